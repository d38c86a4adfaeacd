// Package cli implements the failinj campaign orchestrator: launch a
// target repeatedly against one campaign database, inspect exit codes,
// and report when the campaign is complete.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsgunth/failinj/internal/policy"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Database string
	Prefix   string
}

// NewRootCommand creates the root command for the failinj CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "failinj",
		Short: "Deterministic fault-injection campaign driver",
		Long: `failinj drives a fault-injection campaign: it executes an instrumented
target repeatedly against one campaign database, injecting one failure
per execution in call order, until no unexercised site remains.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			slog.SetDefault(slog.New(handler))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", policy.DefaultDatabase, "campaign database path")
	cmd.PersistentFlags().StringVar(&opts.Prefix, "prefix", policy.DefaultPrefix, "engine environment prefix")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}
