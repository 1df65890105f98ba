package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/st-keller/codekeeper-agent/codebase"
)

type fingerprintOptions struct {
	*rootOptions
	Inventory bool
	Prefixes  []string
}

// fingerprintResult is the JSON output of the fingerprint command.
type fingerprintResult struct {
	Fingerprint string              `json:"fingerprint"`
	Files       int                 `json:"files"`
	TotalBytes  int64               `json:"totalBytes"`
	Inventory   *codebase.Inventory `json:"inventory,omitempty"`
}

func newFingerprintCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &fingerprintOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fingerprint <root>...",
		Short: "Print the code base fingerprint of one or more directories",
		Long: `Scan the given directories the way the agent does and print the
fingerprint as JSON. With --inventory the extracted method signatures are
included.

Example:
  codekeeper-agent fingerprint ./src/main/java --inventory --prefix com.acme.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := codebase.NewScanner(args...)
			snap, err := scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}

			result := fingerprintResult{
				Fingerprint: snap.Fingerprint.String(),
				Files:       snap.Fingerprint.Files,
				TotalBytes:  snap.Fingerprint.TotalBytes,
			}
			if opts.Inventory {
				inv, err := scanner.Inventory(cmd.Context(), snap, opts.Prefixes)
				if err != nil {
					return err
				}
				result.Inventory = &inv
			}
			if opts.Verbose {
				for _, f := range snap.Files {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%d\t%d\n", f.Path, f.Size, f.ModTimeMillis)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().BoolVar(&opts.Inventory, "inventory", false, "include extracted method signatures")
	cmd.Flags().StringSliceVar(&opts.Prefixes, "prefix", nil, "only include signatures with this package prefix (repeatable)")
	return cmd
}
