package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/forkline/pkg/conversation"
)

type conversationRow struct {
	ID       string   `json:"id" yaml:"id"`
	Title    string   `json:"title" yaml:"title"`
	Model    string   `json:"model" yaml:"model"`
	Messages int      `json:"messages" yaml:"messages"`
	Branches int      `json:"branches" yaml:"branches"`
	Updated  string   `json:"updatedAt" yaml:"updatedAt"`
	Active   bool     `json:"active" yaml:"active"`
	Starred  bool     `json:"starred,omitempty" yaml:"starred,omitempty"`
	Archived bool     `json:"archived,omitempty" yaml:"archived,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func conversationRows(convs []*conversation.Conversation, activeID string) []conversationRow {
	ret := make([]conversationRow, 0, len(convs))
	for _, c := range convs {
		ret = append(ret, conversationRow{
			ID:       c.ID,
			Title:    c.Title,
			Model:    c.Model,
			Messages: len(c.Messages),
			Branches: len(c.Branches),
			Updated:  c.UpdatedAt.Format("2006-01-02 15:04"),
			Active:   c.ID == activeID,
			Starred:  c.Starred,
			Archived: c.Archived,
			Tags:     c.Tags,
		})
	}
	return ret
}

func writeConversationTable(w io.Writer, rows []conversationRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMODEL\tMESSAGES\tBRANCHES\tUPDATED")
	for _, r := range rows {
		id := shortID(r.ID)
		if r.Active {
			id += "*"
		}
		title := r.Title
		if r.Starred {
			title = "★ " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", id, title, r.Model, r.Messages, r.Branches, r.Updated)
	}
	return tw.Flush()
}

func NewConversationsCommand() *cobra.Command {
	var (
		asJSON          bool
		includeArchived bool
	)
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			var convs []*conversation.Conversation
			for _, c := range app.Store.Conversations() {
				if c.Archived && !includeArchived {
					continue
				}
				convs = append(convs, c)
			}
			rows := conversationRows(convs, app.Store.ActiveConversationID())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			return writeConversationTable(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived conversations")

	cmd.AddCommand(newConversationsRmCommand(), newConversationsDupCommand())
	return cmd
}

func newConversationsRmCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			id, err := app.resolveConversation(args[0])
			if err != nil {
				return err
			}
			conv, _ := app.Store.Conversation(id)

			if !yes && isatty.IsTerminal(os.Stdin.Fd()) {
				ok, err := confirm(fmt.Sprintf("Delete %q (%d messages)? [y/n]", conv.Title, len(conv.Messages)))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}

			app.Store.DeleteConversation(id)
			log.Info().Str("conversation_id", id).Msg("Deleted conversation")
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newConversationsDupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dup <id>",
		Short: "Duplicate a conversation with all its branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			id, err := app.resolveConversation(args[0])
			if err != nil {
				return err
			}
			newID := app.Store.DuplicateConversation(id)
			if newID == "" {
				return errors.Errorf("failed to duplicate %s", id)
			}
			fmt.Fprintln(cmd.OutOrStdout(), newID)
			return nil
		},
	}
}

func confirm(query string) (bool, error) {
	ui := input.DefaultUI()
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "n":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return strings.ToLower(answer) == "y", nil
}
