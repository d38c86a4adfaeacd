package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsgunth/failinj/internal/policy"
)

// DefaultMaxRuns bounds a campaign. Each execution exercises one new
// site, so the bound is effectively the number of reachable sites plus
// the final campaign-complete run.
const DefaultMaxRuns = 1000

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MaxRuns   int
	KeepGoing bool
}

// runOutcome classifies one execution of the target.
type runOutcome struct {
	Run  int
	Code int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run -- <target> [args...]",
		Short: "Drive a campaign to completion",
		Long: `Execute the target repeatedly against one campaign database until an
execution reports campaign-done (exit 34). Each execution injects the
first not-yet-exercised call site in call order.

Exit codes from the target are interpreted per the engine contract:
0/1 pass and the campaign continues, 33 records a bug, 34 ends the
campaign, 32 aborts (engine setup failure), and a signal death is
recorded as a crash and the campaign continues - the injected site was
durably marked before the failure was delivered.

Example:
  failinj run --database ./campaign.db -- ./mytarget --flag`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(opts, args, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxRuns, "max-runs", DefaultMaxRuns, "abort after this many executions")
	cmd.Flags().BoolVar(&opts.KeepGoing, "keep-going", false, "continue the campaign past bug-found runs")

	return cmd
}

func runCampaign(opts *RunOptions, argv []string, cmd *cobra.Command) error {
	var bugs, crashes []runOutcome

	slog.Info("campaign starting",
		"target", argv[0],
		"database", opts.Database,
		"prefix", opts.Prefix,
	)

	for run := 1; ; run++ {
		if run > opts.MaxRuns {
			return NewExitError(ExitCommandError,
				fmt.Sprintf("campaign did not complete within %d runs", opts.MaxRuns))
		}

		code, err := runOnce(opts, argv)
		if err != nil {
			return WrapExitError(ExitCommandError, "launch target", err)
		}
		slog.Debug("execution finished", "run", run, "exit_code", code)

		switch {
		case code == policy.DoneExit:
			summarize(cmd, run, bugs, crashes)
			if len(bugs) > 0 || len(crashes) > 0 {
				return NewExitError(ExitFailure, "campaign surfaced bugs")
			}
			return nil

		case code == readErrorExit(opts.Prefix):
			return NewExitError(ExitCommandError,
				fmt.Sprintf("engine setup failure on run %d (exit %d)", run, code))

		case code == readBugExit(opts.Prefix):
			slog.Warn("bug found", "run", run)
			bugs = append(bugs, runOutcome{Run: run, Code: code})
			if !opts.KeepGoing {
				summarize(cmd, run, bugs, crashes)
				return NewExitError(ExitFailure, "bug found; use --keep-going to continue the campaign")
			}

		case code < 0:
			// Signal death. The injected site was durably marked
			// before the failure was delivered, so the campaign has
			// advanced; record the crash and continue.
			slog.Warn("target crashed", "run", run, "signal", -code)
			crashes = append(crashes, runOutcome{Run: run, Code: code})

		default:
			// The target's own success or handled-error code.
		}
	}
}

// runOnce executes the target once with the campaign database wired into
// its environment. Signal deaths return the negative signal number, as
// the exit-code contract specifies.
func runOnce(opts *RunOptions, argv []string) (int, error) {
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = append(os.Environ(), fmt.Sprintf("%s_DATABASE=%s", opts.Prefix, opts.Database))

	err := c.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

func summarize(cmd *cobra.Command, runs int, bugs, crashes []runOutcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "campaign complete after %d runs\n", runs)
	for _, b := range bugs {
		fmt.Fprintf(out, "  bug found on run %d\n", b.Run)
	}
	for _, c := range crashes {
		fmt.Fprintf(out, "  crash (signal %d) on run %d\n", -c.Code, c.Run)
	}
	if len(bugs) == 0 && len(crashes) == 0 {
		fmt.Fprintln(out, "  no bugs found")
	}
}

// readErrorExit and readBugExit mirror the engine's per-prefix exit-code
// overrides so the orchestrator classifies runs the same way the engine
// reports them.
func readErrorExit(prefix string) int {
	cfg, err := policy.FromEnv(prefix, nil)
	if err != nil {
		return policy.DefaultErrorExit
	}
	return cfg.ErrorExit
}

func readBugExit(prefix string) int {
	cfg, err := policy.FromEnv(prefix, nil)
	if err != nil {
		return policy.DefaultBugExit
	}
	return cfg.BugExit
}
