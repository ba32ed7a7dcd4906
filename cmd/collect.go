package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/config"
	"github.com/signalnine/batcheval/internal/evaluator"
	"github.com/signalnine/batcheval/internal/poller"
	"github.com/signalnine/batcheval/internal/report"
	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/unit"
)

// openRun resolves runArg and points the configuration at the backend the
// run was submitted with.
func openRun(cfg *config.Config, runArg string) (string, *result.Manifest, error) {
	runDir, err := result.ResolveRunDir(cfg.Results.Dir, runArg)
	if err != nil {
		return "", nil, err
	}
	m, err := result.ReadManifest(runDir)
	if err != nil {
		return "", nil, err
	}
	cfg.Scheduler.Backend = m.Backend
	return runDir, m, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-dir]",
		Short: "Poll the units of a run once and show their states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			runDir, m, err := openRun(cfg, firstArg(args))
			if err != nil {
				return err
			}
			binary, err := runnerBinary(cfg)
			if err != nil {
				return err
			}
			backend, release, err := newBackend(cfg, binary, logger)
			if err != nil {
				return err
			}
			defer release()

			units := make([]*unit.Unit, 0, len(m.Units))
			for _, id := range m.Units {
				u, err := unit.Load(result.UnitDir(runDir, id))
				if err != nil {
					logger.Warn("skipping unit", "unit", id, "err", err)
					continue
				}
				units = append(units, u)
			}
			p := &poller.Poller{
				Backend:        backend,
				ValidateOutput: *cfg.Polling.ValidateOutput,
				OutputDim:      len(m.Outputs),
				Logger:         logger,
			}
			_, progress, err := p.Once(cmd.Context(), units)
			if err != nil {
				return err
			}
			fmt.Println(progress)
			return report.Generate(runDir, "table", os.Stdout)
		},
	}
}

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect [run-dir]",
		Short: "Wait for a previous run and gather its results",
		Long: "Re-poll a run created by an earlier invocation, typically after a timeout, " +
			"submit any unit that was never submitted, and write the gathered results.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeRun(cmd, args, (*evaluator.Evaluator).Resume)
		},
	}
	cmd.Flags().StringVar(&flagOutput, "output", "", "output CSV (inputs followed by outputs)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [run-dir]",
		Short: "Resubmit the failed and timed-out units of a run",
		Long: "Rebuild every FAILED or TIMED_OUT unit of a run as a new unit whose restart/ " +
			"directory holds the previous attempt, submit them, and gather the whole run.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeRun(cmd, args, (*evaluator.Evaluator).Retry)
		},
	}
	cmd.Flags().StringVar(&flagOutput, "output", "", "output CSV (inputs followed by outputs)")
	cmd.MarkFlagRequired("output")
	return cmd
}

type runOp func(*evaluator.Evaluator, context.Context, string) (*evaluator.Outcome, error)

func resumeRun(cmd *cobra.Command, args []string, op runOp) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	runDir, m, err := openRun(cfg, firstArg(args))
	if err != nil {
		return err
	}
	cfg.UnitCapacity = m.Capacity

	ctx := cmd.Context()
	ev, release, err := newEvaluator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	fmt.Printf("Collecting run %s (%d points, %d units)...\n", m.RunID, m.Points, len(m.Units))
	out, err := op(ev, ctx, runDir)
	if err != nil {
		return err
	}
	return finishRun(out, cfg.Inputs, cfg.Outputs, flagOutput)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
