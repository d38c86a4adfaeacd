package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the campaign database",
		Long: `Remove the campaign database file. The engine never deletes it itself -
a fresh campaign begins only when the backing path does not exist, and
that lifecycle belongs to the orchestrator.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetCampaign(rootOpts, cmd)
		},
	}
	return cmd
}

func resetCampaign(opts *RootOptions, cmd *cobra.Command) error {
	err := os.Remove(opts.Database)
	if os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "no campaign database at %s\n", opts.Database)
		return nil
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "remove campaign database", err)
	}

	// SQLite leaves WAL sidecars next to the database.
	_ = os.Remove(opts.Database + "-wal")
	_ = os.Remove(opts.Database + "-shm")

	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", opts.Database)
	return nil
}
