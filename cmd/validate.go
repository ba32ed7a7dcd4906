package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/scheduler"
	"github.com/signalnine/batcheval/internal/unit"
)

var (
	flagPoints int
	flagScript bool
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and show the submission plan",
		Long: "Load the configuration, check the model, runner files, resources and " +
			"accounting key, and print how a sample of --points points would be split " +
			"into units and scheduler requests. Nothing is written or submitted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			binary, err := runnerBinary(cfg)
			if err != nil {
				return err
			}
			checker, err := cfg.Accounting.Checker(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading accounting vocabulary: %w", err)
			}
			if err := cfg.Resources.Validate(checker); err != nil {
				return err
			}
			_, err = unit.NewBuilder(unit.BuilderConfig{
				Inputs:       cfg.Inputs,
				Outputs:      cfg.Outputs,
				Model:        cfg.Model,
				Resources:    cfg.ResourcesFiles,
				RunnerBinary: binary,
				EnvFile:      cfg.Runner.EnvFile,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Configuration %s is valid.\n", cfgFile)
			fmt.Printf("  model:     %s %s%v\n", cfg.Model.Kind, cfg.Model.Name, cfg.Model.Command)
			fmt.Printf("  columns:   %v -> %v\n", cfg.Inputs, cfg.Outputs)
			fmt.Printf("  backend:   %s\n", cfg.Scheduler.Backend)
			fmt.Printf("  runner:    %s\n", binary)
			if cfg.Resources.Account != "" {
				fmt.Printf("  account:   %s\n", cfg.Resources.Account)
			}
			if flagPoints <= 0 {
				return nil
			}

			parts, err := sample.Split(flagPoints, cfg.UnitCapacity)
			if err != nil {
				return err
			}
			runDir := filepath.Join(cfg.Results.Dir, "runs", "<run>")
			targets := make([]scheduler.Target, len(parts))
			for i := range parts {
				targets[i] = scheduler.Target{Unit: i, Dir: result.UnitDir(runDir, i)}
			}
			s := &scheduler.Submitter{
				Resources:        cfg.Resources,
				MaxArraySize:     cfg.Scheduler.MaxArraySize,
				ArrayParallelism: cfg.Scheduler.ArrayParallelism,
			}
			batches := s.Plan(runDir, targets)
			fmt.Printf("\n%d points in %d units of at most %d, sent in %d requests:\n",
				flagPoints, len(parts), cfg.UnitCapacity, len(batches))
			for _, b := range batches {
				fmt.Printf("  request %d: units %s\n", b.Index, scheduler.ArraySpec(b.Units(), b.ArrayParallelism))
			}
			if flagScript && len(batches) > 0 {
				fmt.Println()
				return scheduler.RenderScript(os.Stdout, cfg.Scheduler.Backend, "batcheval-<run>-b0", batches[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagPoints, "points", 0, "sample size to plan for")
	cmd.Flags().BoolVar(&flagScript, "script", false, "print the first submission script")
	return cmd
}
