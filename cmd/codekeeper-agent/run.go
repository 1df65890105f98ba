package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	codekeeper "github.com/st-keller/codekeeper-agent"
	"github.com/st-keller/codekeeper-agent/standard"
)

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	var statusOnExit bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent, reading invoked signatures from stdin",
		Long: `Run the agent as a sidecar. Every non-empty line on stdin is recorded as
one invocation of that signature at the time it is read.

Example:
  CODEKEEPER_LICENSE_KEY=... CODEKEEPER_APP_NAME=shop \
  CODEKEEPER_COLLECTOR_URL=https://collector:8443 \
    tail -F invocations.log | codekeeper-agent run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := codekeeper.LoadConfig()
			if err != nil {
				return err
			}
			if rootOpts.Verbose {
				config.LogLevel = "debug"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, config, cmd.InOrStdin(), cmd.OutOrStdout(), statusOnExit)
		},
	}

	cmd.Flags().BoolVar(&statusOnExit, "status", false, "print the agent status as JSON on exit")
	return cmd
}

func runAgent(ctx context.Context, config codekeeper.Config, in io.Reader, out io.Writer, statusOnExit bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: standard.ParseLevel(config.LogLevel),
	}))

	agent, err := codekeeper.New(config, codekeeper.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		_ = agent.Stop()
		return err
	}

	lines := readLines(ctx, in)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if sig := strings.TrimSpace(line); sig != "" {
				agent.OnMethodInvoked(sig)
			}
		}
	}

	stopErr := agent.Stop()
	if statusOnExit {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(agent.Status()); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
	}
	return stopErr
}

// readLines sends every line of in until EOF or until ctx is done, then
// closes the returned channel.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
