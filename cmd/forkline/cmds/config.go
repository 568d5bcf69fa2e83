package cmds

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			b, err := s.ToYAML()
			if err != nil {
				return err
			}
			if f := viper.ConfigFileUsed(); f != "" {
				cmd.Printf("# loaded from %s\n", f)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
