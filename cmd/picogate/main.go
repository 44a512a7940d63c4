package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picogate/cmd/picogate/internal"
	"github.com/sipeed/picogate/cmd/picogate/internal/gateway"
	"github.com/sipeed/picogate/cmd/picogate/internal/vaultcmd"
	"github.com/sipeed/picogate/cmd/picogate/internal/version"
)

func NewPicogateCommand() *cobra.Command {
	short := fmt.Sprintf("%s picogate - Local LLM gateway v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "picogate",
		Short:        short,
		Example:      "picogate gateway --port 9001",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		vaultcmd.NewVaultCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewPicogateCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
