// Command codekeeper-agent runs the agent as a sidecar and inspects code bases.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "codekeeper-agent",
		Short: "Record invoked methods and upload them to a collector",
		Long: `codekeeper-agent records which methods of an application are invoked
and uploads that data, together with a code base inventory, to a collector.

Configuration is read from CODEKEEPER_* environment variables.`,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newFingerprintCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
