package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/picogate/cmd/picogate/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd)
		},
	}
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s picogate %s\n", internal.Logo, internal.FormatVersion())
	build, goVer := internal.FormatBuildInfo()
	if build != "" {
		fmt.Fprintf(out, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(out, "  Go: %s\n", goVer)
	}
}
