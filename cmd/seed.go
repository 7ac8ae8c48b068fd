package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"finagent/internal/finance"
)

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var (
		months int
		seed   int64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Replace the database contents with generated demo data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if months < 1 {
				return fmt.Errorf("--months must be positive, got %d", months)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			store, err := finance.Open(cmd.Context(), cfg.Database.Path, finance.WithLogger(opts.logger(cmd, cfg)))
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Seed(cmd.Context(), months, seed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(
				fmt.Sprintf("Seeded %d records covering %d months into %s", n, months, cfg.Database.Path)))
			return nil
		},
	}
	cmd.Flags().IntVar(&months, "months", finance.DefaultSeedMonths, "Number of months to generate")
	cmd.Flags().Int64Var(&seed, "seed", finance.DefaultSeed, "Random seed")
	return cmd
}
