package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/store"
)

const shortIDLength = 8

var errQuit = errors.New("quit")

// repl executes the slash commands of the chat console against the active
// conversation.
type repl struct {
	store      *store.Store
	controller *session.Controller
	model      string
	out        io.Writer
	markdown   bool
}

func shortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}

// render renders markdown on a terminal and passes text through otherwise.
func render(text string, markdown bool) string {
	if !markdown {
		return text
	}
	styled, err := glamour.Render(text, "dark")
	if err != nil {
		log.Debug().Err(err).Msg("Failed to render markdown")
		return text
	}
	return styled
}

// execute runs one slash command. It returns the handle of a generation the
// command started, if any, and errQuit when the console should exit.
func (r *repl) execute(ctx context.Context, line string) (*session.ExecutionHandle, error) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return nil, r.help()
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit", "q":
		return nil, errQuit
	case "help", "?":
		return nil, r.help()
	case "new":
		id := r.store.CreateConversation(r.model, nil)
		fmt.Fprintf(r.out, "Started conversation %s\n", shortID(id))
		return nil, nil
	case "branch":
		return nil, r.branch(args)
	case "branches":
		return nil, r.branches()
	case "switch":
		return nil, r.switchBranch(args)
	case "rename":
		return nil, r.renameBranch(args)
	case "delete-branch":
		return nil, r.deleteBranch(args)
	case "regen":
		return r.regenerate(ctx, args)
	case "history":
		return nil, r.history()
	case "react":
		return nil, r.react(args)
	case "title":
		return nil, r.title(args)
	default:
		return nil, errors.Errorf("unknown command /%s, try /help", cmd)
	}
}

func (r *repl) help() error {
	fmt.Fprint(r.out, `Commands:
  /new                          start a new conversation
  /branch <msg-id> [name]       fork the conversation at a message
  /branches                     list the branches of the conversation
  /switch <branch>              switch to a branch (id, id prefix or name)
  /rename <branch> <name>       rename a branch
  /delete-branch <branch>       delete a branch and everything forked from it
  /regen [msg-id]               regenerate an answer (default: the last one)
  /history                      show the visible messages of the branch
  /react <msg-id> <like|dislike> react to a message
  /title <text>                 rename the conversation
  /quit                         exit
`)
	return nil
}

func (r *repl) active() (*conversation.Conversation, error) {
	conv, ok := r.store.ActiveConversation()
	if !ok {
		return nil, errors.New("no active conversation, send a message or use /new")
	}
	return conv, nil
}

// resolveMessage finds a message of the active path by id or id prefix.
func (r *repl) resolveMessage(idOrPrefix string) (*conversation.Message, error) {
	var match *conversation.Message
	for _, m := range r.store.ActivePath() {
		if m.ID == idOrPrefix {
			return m, nil
		}
		if strings.HasPrefix(m.ID, idOrPrefix) {
			if match != nil {
				return nil, errors.Errorf("message prefix %q is ambiguous", idOrPrefix)
			}
			match = m
		}
	}
	if match == nil {
		return nil, errors.Errorf("message %q is not on the current branch", idOrPrefix)
	}
	return match, nil
}

// resolveBranch finds a branch of the active conversation by id, id prefix
// or name.
func (r *repl) resolveBranch(ref string) (*conversation.Branch, error) {
	conv, err := r.active()
	if err != nil {
		return nil, err
	}
	if b, ok := conv.Branch(ref); ok {
		return b, nil
	}
	var matches []*conversation.Branch
	for _, b := range conv.Branches {
		if b.Name == ref || strings.HasPrefix(b.ID, ref) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errors.Errorf("branch %q not found", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, errors.Errorf("branch %q is ambiguous", ref)
	}
}

func (r *repl) branch(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: /branch <msg-id> [name]")
	}
	m, err := r.resolveMessage(args[0])
	if err != nil {
		return err
	}
	id := r.store.BranchFrom(m.ID, strings.Join(args[1:], " "))
	b, err := r.resolveBranch(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Created branch %q (%s) at %s\n", b.Name, shortID(b.ID), shortID(m.ID))
	return nil
}

func (r *repl) branches() error {
	conv, err := r.active()
	if err != nil {
		return err
	}
	for _, b := range conv.Branches {
		marker := " "
		if b.ID == conv.ActiveBranchID {
			marker = "*"
		}
		n := len(conversation.VisiblePath(conv, b.ID))
		if b.IsRoot() {
			fmt.Fprintf(r.out, "%s %-8s %s (%d messages)\n", marker, shortID(b.ID), b.Name, n)
			continue
		}
		fmt.Fprintf(r.out, "%s %-8s %s (%d messages, from %s at %s)\n",
			marker, shortID(b.ID), b.Name, n, shortID(b.Parent()), shortID(b.ForkOriginMessageID))
	}
	return nil
}

func (r *repl) switchBranch(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /switch <branch>")
	}
	b, err := r.resolveBranch(args[0])
	if err != nil {
		return err
	}
	r.store.SwitchBranch(b.ID)
	fmt.Fprintf(r.out, "Switched to %q\n", b.Name)
	return nil
}

func (r *repl) renameBranch(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: /rename <branch> <name>")
	}
	b, err := r.resolveBranch(args[0])
	if err != nil {
		return err
	}
	r.store.RenameBranch(b.ID, strings.Join(args[1:], " "))
	return nil
}

func (r *repl) deleteBranch(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /delete-branch <branch>")
	}
	b, err := r.resolveBranch(args[0])
	if err != nil {
		return err
	}
	if err := r.store.DeleteBranch(b.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Deleted branch %q\n", b.Name)
	return nil
}

func (r *repl) regenerate(ctx context.Context, args []string) (*session.ExecutionHandle, error) {
	var target *conversation.Message
	if len(args) > 0 {
		m, err := r.resolveMessage(args[0])
		if err != nil {
			return nil, err
		}
		target = m
	} else {
		path := r.store.ActivePath()
		for i := len(path) - 1; i >= 0; i-- {
			if path[i].Role == conversation.RoleAssistant {
				target = path[i]
				break
			}
		}
		if target == nil {
			return nil, errors.New("nothing to regenerate")
		}
	}
	return r.controller.Regenerate(ctx, target.ID)
}

func (r *repl) history() error {
	conv, err := r.active()
	if err != nil {
		return err
	}
	b, _ := conv.Branch(conv.ActiveBranchID)
	fmt.Fprintf(r.out, "# %s [%s]\n\n", conv.Title, b.Name)
	for _, m := range conversation.VisiblePath(conv, conv.ActiveBranchID) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "**%s** `%s`", m.Role, shortID(m.ID))
		if m.BranchPoint {
			sb.WriteString(" (fork)")
		}
		if m.Reaction != nil {
			fmt.Fprintf(&sb, " (%s)", m.Reaction.Kind)
		}
		sb.WriteString("\n\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
		fmt.Fprintln(r.out, render(sb.String(), r.markdown))
	}
	return nil
}

func (r *repl) react(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /react <msg-id> <like|dislike>")
	}
	kind := conversation.ReactionKind(args[1])
	if kind != conversation.ReactionLike && kind != conversation.ReactionDislike {
		return errors.Errorf("unknown reaction %q", args[1])
	}
	m, err := r.resolveMessage(args[0])
	if err != nil {
		return err
	}
	r.store.ReactToMessage(m.ID, kind)
	return nil
}

func (r *repl) title(args []string) error {
	conv, err := r.active()
	if err != nil {
		return err
	}
	title := strings.TrimSpace(strings.Join(args, " "))
	if title == "" {
		return errors.New("usage: /title <text>")
	}
	r.store.UpdateConversation(conv.ID, store.ConversationPatch{Title: &title})
	return nil
}
