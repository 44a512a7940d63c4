package gateway

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/picogate/cmd/picogate/internal"
	"github.com/sipeed/picogate/pkg/logger"
)

type options struct {
	configPath string
	debug      bool
	host       string
	port       int
}

func NewGatewayCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"g"},
		Short:   "Run the picogate websocket gateway",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return gatewayCmd(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to the config file")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.host, "host", "", "Override the listen host")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Override the listen port")

	return cmd
}

// gatewayCmd runs the gateway in the foreground until SIGINT or SIGTERM.
func gatewayCmd(opts options) error {
	runner, err := newGatewayRunner(opts)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	addr, err := runner.start()
	if err != nil {
		runner.stop()
		return err
	}

	scheme := "ws"
	if runner.cfg.Gateway.TLSEnabled() {
		scheme = "wss"
	}
	fmt.Printf("%s Gateway listening on %s://%s/ws\n", internal.Logo, scheme, addr)
	fmt.Println("Press Ctrl+C to stop")

	<-sigChan
	fmt.Println("\nShutting down...")
	runner.stop()
	fmt.Println("✓ Gateway stopped")
	logger.InfoC("gateway", "Shutdown complete")
	return nil
}
