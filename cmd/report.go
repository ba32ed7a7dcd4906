package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/config"
	"github.com/signalnine/batcheval/internal/report"
	"github.com/signalnine/batcheval/internal/result"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize a run from its stored state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			runDir, err := result.ResolveRunDir(cfg.Results.Dir, firstArg(args))
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			return report.Generate(runDir, flagFormat, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json, csv)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs under the results directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			runs, err := result.ListRuns(cfg.Results.Dir)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Printf("No runs under %s\n", cfg.Results.Dir)
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tBACKEND\tPOINTS\tUNITS\tFAILED\tSTATES")
			for _, dir := range runs {
				s, err := report.Summarize(dir)
				if err != nil {
					fmt.Fprintf(tw, "%s\t-\t-\t-\t-\tunreadable: %v\n", dir, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f%%\t%s\n",
					s.RunID, s.Backend, s.Points, len(s.Units), s.FailureRate()*100, s.CountsString())
			}
			return tw.Flush()
		},
	}
}
