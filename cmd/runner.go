package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/logging"
	"github.com/signalnine/batcheval/internal/runner"
)

var flagUnit string

// newRunnerCmd is the entry point run.sh executes on a compute node. It needs
// no configuration file: everything it reads is inside the unit directory.
func newRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "runner",
		Short:  "Evaluate one work unit (run by the scheduler)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(os.Stderr, logLevel, logFormat)
			if err != nil {
				return &exitError{code: runner.ExitSetup, err: err}
			}
			rep, err := runner.RunUnit(cmd.Context(), flagUnit, logger)
			if err != nil {
				return &exitError{code: runner.ExitCode(err), err: err}
			}
			fmt.Fprintf(os.Stdout, "unit %d: %d points, %d point errors, %.1fs\n",
				rep.Unit, rep.Points, rep.PointErrors, rep.DurationS)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagUnit, "unit", "", "unit directory")
	cmd.MarkFlagRequired("unit")
	return cmd
}
