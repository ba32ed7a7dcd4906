package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/evaluator"
	"github.com/signalnine/batcheval/internal/report"
	"github.com/signalnine/batcheval/internal/tabular"
)

var (
	flagInput    string
	flagOutput   string
	flagCapacity int
	flagBackend  string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the model on every point of an input CSV",
		Args:  cobra.NoArgs,
		RunE:  runEvaluation,
	}
	cmd.Flags().StringVar(&flagInput, "input", "", "input sample CSV, one column per configured input")
	cmd.Flags().StringVar(&flagOutput, "output", "", "output CSV (inputs followed by outputs)")
	cmd.Flags().IntVar(&flagCapacity, "capacity", 0, "override unit_capacity")
	cmd.Flags().StringVar(&flagBackend, "backend", "", "override scheduler.backend")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if flagCapacity > 0 {
		cfg.UnitCapacity = flagCapacity
	}
	if flagBackend != "" {
		cfg.Scheduler.Backend = flagBackend
	}

	header, rows, err := tabular.ReadFile(flagInput)
	if err != nil {
		return evalerr.Configf("reading sample: %v", err)
	}
	points, err := selectColumns(header, rows, cfg.Inputs)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	ev, release, err := newEvaluator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	fmt.Printf("Evaluating %d points (unit capacity %d, backend %s)...\n", len(points), cfg.UnitCapacity, cfg.Scheduler.Backend)
	out, err := ev.Evaluate(ctx, points)
	if err != nil {
		if out != nil && out.RunDir != "" {
			fmt.Printf("Run directory: %s\n", out.RunDir)
			if errors.Is(err, evalerr.ErrTimeout) || errors.Is(err, evalerr.ErrLostUnits) {
				fmt.Printf("Jobs may still be running; resume with: batcheval collect %s --output %s\n", out.RunDir, flagOutput)
			}
		}
		return err
	}
	return finishRun(out, cfg.Inputs, cfg.Outputs, flagOutput)
}

// finishRun writes the output CSV and prints the run summary.
func finishRun(out *evaluator.Outcome, inputs, outputs []string, path string) error {
	if err := writeResults(path, inputs, outputs, out.Points, out.Rows); err != nil {
		return err
	}
	fmt.Printf("Wrote %d rows to %s (%d from cache, %d evaluated)\n", len(out.Rows), path, out.Hits, out.Misses)
	for _, u := range out.Failed() {
		fmt.Printf("  unit %d (rows %s): %v\n", u.Unit, u.Partition, u.Err)
	}
	if out.RunDir == "" {
		return nil
	}
	fmt.Printf("Run directory: %s\n\n--- Results ---\n", out.RunDir)
	return report.Generate(out.RunDir, "table", os.Stdout)
}

// selectColumns picks the named columns out of a table, in the order of names.
func selectColumns(header []string, rows [][]float64, names []string) ([][]float64, error) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	idx := make([]int, len(names))
	for i, n := range names {
		j, ok := col[n]
		if !ok {
			return nil, evalerr.Configf("sample has no column %q (columns: %v)", n, header)
		}
		idx[i] = j
	}
	points := make([][]float64, len(rows))
	for r, row := range rows {
		p := make([]float64, len(idx))
		for i, j := range idx {
			p[i] = row[j]
		}
		points[r] = p
	}
	return points, nil
}

// writeResults stores each input row followed by its outputs.
func writeResults(path string, inputs, outputs []string, points, rows [][]float64) error {
	if len(points) != len(rows) {
		return fmt.Errorf("have %d points but %d output rows", len(points), len(rows))
	}
	header := append(append([]string{}, inputs...), outputs...)
	table := make([][]float64, len(rows))
	for i := range rows {
		table[i] = append(append([]float64{}, points[i]...), rows[i]...)
	}
	return tabular.WriteFile(path, header, table)
}
