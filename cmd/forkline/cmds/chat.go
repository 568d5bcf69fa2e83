package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/settings"
)

func NewChatCommand() *cobra.Command {
	var (
		conversationID string
		noStream       bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, with branching and regeneration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := NewApp(ctx, func(s *settings.Settings) {
				if noStream {
					s.Chat.Stream = false
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close application")
				}
			}()

			if conversationID != "" {
				id, err := app.resolveConversation(conversationID)
				if err != nil {
					return err
				}
				app.Store.SetActiveConversation(id)
			}

			isTTY := isatty.IsTerminal(os.Stdout.Fd())
			p := &printer{out: os.Stdout, stream: app.Settings.Chat.Stream, markdown: isTTY}
			app.Router.AddEventHandler("chat-printer", events.TopicGeneration, p.handle)

			go func() {
				if err := app.Router.Run(ctx); err != nil {
					log.Error().Err(err).Msg("Event router stopped")
				}
			}()
			<-app.Router.Running()

			r := &repl{
				store:      app.Store,
				controller: app.Controller,
				model:      app.Settings.Chat.Model,
				out:        os.Stdout,
				markdown:   isTTY,
			}
			return runConsole(ctx, r, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume the conversation with this id (or id prefix)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for complete replies instead of streaming")
	return cmd
}

// runConsole reads prompts and slash commands until EOF, /quit, or Ctrl-C
// while idle. Ctrl-C during a generation cancels it.
func runConsole(ctx context.Context, r *repl, in io.Reader, out io.Writer) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "Type a message, /help for commands, Ctrl-C to cancel or exit.")
	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		var (
			h   *session.ExecutionHandle
			err error
		)
		if strings.HasPrefix(line, "/") {
			h, err = r.execute(ctx, line)
		} else {
			h, err = r.controller.Send(ctx, line)
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			continue
		}
		if h != nil {
			waitForGeneration(h, r.controller, sigCh)
		}
	}
}

func waitForGeneration(h *session.ExecutionHandle, c *session.Controller, sigCh <-chan os.Signal) {
	select {
	case <-h.Done():
	case <-sigCh:
		_ = c.Cancel()
		<-h.Done()
	}
	if _, err := h.Wait(); err != nil {
		log.Debug().Err(err).Str("inference_id", h.InferenceID).Msg("Generation failed")
	}
}

// printer writes generation events to the console.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	stream   bool
	markdown bool
}

func (p *printer) handle(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case *events.EventPartialCompletion:
		if p.stream {
			fmt.Fprint(p.out, e.Delta)
		}
	case *events.EventFinal:
		if p.stream {
			fmt.Fprintln(p.out)
		} else {
			fmt.Fprintln(p.out, render(e.Text, p.markdown))
		}
	case *events.EventInterrupt:
		fmt.Fprintf(p.out, "\n%s\n", session.CancelledMarker)
	case *events.EventError:
		fmt.Fprintf(p.out, "\nError: %s\n", e.ErrorString)
	}
	return nil
}
