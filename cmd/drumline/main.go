// Drumline - durable chat message-processing gateway

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/drumline/cmd/drumline/internal"
	"github.com/tinyland-inc/drumline/cmd/drumline/internal/chat"
	"github.com/tinyland-inc/drumline/cmd/drumline/internal/gateway"
	"github.com/tinyland-inc/drumline/cmd/drumline/internal/version"
)

func NewDrumlineCommand() *cobra.Command {
	short := fmt.Sprintf("%s drumline - durable chat pipeline v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "drumline",
		Short:   short,
		Example: "drumline gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		chat.NewChatCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewDrumlineCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
