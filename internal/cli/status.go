package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsgunth/failinj/internal/campaign"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show campaign progress",
		Long: `List the exercised call sites and the execution history of the campaign
database. The database is opened read-only; status never starts a fresh
campaign as a side effect.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	db, err := campaign.OpenExisting(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "open campaign database", err)
	}
	defer db.Close()

	sites, err := db.Sites()
	if err != nil {
		return WrapExitError(ExitCommandError, "list sites", err)
	}
	runs, err := db.Runs()
	if err != nil {
		return WrapExitError(ExitCommandError, "list runs", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "campaign database: %s\n", opts.Database)
	fmt.Fprintf(out, "exercised sites: %d\n", len(sites))
	for _, s := range sites {
		title := s.Title
		if title == "" {
			title = "(unidentified site)"
		}
		fmt.Fprintf(out, "  [%s] %s\n", s.Category, title)
	}

	fmt.Fprintf(out, "runs: %d\n", len(runs))
	for i, r := range runs {
		if r.InjectedSite == "" {
			fmt.Fprintf(out, "  run %d: no injection (campaign complete)\n", i+1)
		} else {
			fmt.Fprintf(out, "  run %d: injected %s\n", i+1, shortID(r.InjectedSite))
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
