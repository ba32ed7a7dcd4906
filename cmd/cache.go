package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/batcheval/internal/cache"
	"github.com/signalnine/batcheval/internal/config"
	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/tabular"
)

var flagLimit int

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or fill the evaluation cache",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the cached points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, c, err := openCache()
			if err != nil {
				return err
			}
			entries := c.Entries()
			fmt.Fprintf(os.Stderr, "%s: %d points\n", c.Path(), len(entries))
			if flagLimit > 0 && len(entries) > flagLimit {
				entries = entries[:flagLimit]
			}
			rows := make([][]float64, len(entries))
			for i, e := range entries {
				rows[i] = append(append([]float64{}, e.Input...), e.Output...)
			}
			return tabular.Write(os.Stdout, append(append([]string{}, cfg.Inputs...), cfg.Outputs...), rows)
		},
	}
	show.Flags().IntVar(&flagLimit, "limit", 0, "print at most this many points")

	imp := &cobra.Command{
		Use:   "import <summary.csv>",
		Short: "Merge points from a CSV holding the input and output columns",
		Long: "Merge every row of a CSV into the cache. The file needs a column for each " +
			"configured input and output; other columns, such as those of " +
			"\"batcheval report --format csv\", are ignored. Rows with NaN outputs are skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := openCache()
			if err != nil {
				return err
			}
			n, err := c.Import(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d points into %s (%d total)\n", n, c.Path(), c.Len())
			return nil
		},
	}
	cmd.AddCommand(show, imp)
	return cmd
}

func openCache() (*config.Config, *cache.Cache, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Cache.Path == "" {
		return nil, nil, evalerr.Configf("no cache.path configured in %s", cfgFile)
	}
	c, err := cache.Open(cfg.Cache.Path, cfg.Inputs, cfg.Outputs)
	return cfg, c, err
}
