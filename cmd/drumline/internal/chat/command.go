package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var debug bool
	var user string
	var group string

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"c"},
		Short:   "Chat with the pipeline from the terminal",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return chatCmd(debug, user, group)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "User ID to send messages as")
	cmd.Flags().StringVarP(&group, "group", "g", "", "Group ID to send messages in (empty for direct)")

	return cmd
}
