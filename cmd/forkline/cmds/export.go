package cmds

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/forkline/pkg/conversation"
)

// exportedPath is the visible path of one branch together with enough
// context to make sense of it outside forkline.
type exportedPath struct {
	ConversationID string                `json:"conversationId" yaml:"conversationId"`
	Title          string                `json:"title" yaml:"title"`
	Model          string                `json:"model" yaml:"model"`
	SystemPrompt   *string               `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Branch         *conversation.Branch  `json:"branch" yaml:"branch"`
	Messages       conversation.Messages `json:"messages" yaml:"messages"`
}

func NewExportCommand() *cobra.Command {
	var (
		format   string
		branchID string
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print the visible messages of a conversation branch",
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
			if branchID == "" {
				branchID = conv.ActiveBranchID
			}
			b, ok := conv.Branch(branchID)
			if !ok {
				return errors.Errorf("branch %q not found in %s", branchID, id)
			}

			out := exportedPath{
				ConversationID: conv.ID,
				Title:          conv.Title,
				Model:          conv.Model,
				SystemPrompt:   conv.SystemPrompt,
				Branch:         b,
				Messages:       conversation.VisiblePath(conv, branchID),
			}

			switch format {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer func() { _ = enc.Close() }()
				return enc.Encode(out)
			default:
				return errors.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format (json, yaml)")
	cmd.Flags().StringVar(&branchID, "branch", "", "Branch to export (default: the active branch)")
	return cmd
}
