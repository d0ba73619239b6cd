package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"commodity-ratewatch/internal/app"
	"commodity-ratewatch/internal/rates"
)

var (
	backfillCommodity string
	backfillCities    []string
	backfillFrom      string
	backfillTo        string
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Store missing historical dates from the live sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := rates.ParseDay(backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := rates.ParseDay(backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Commodity: backfillCommodity,
			Cities:    backfillCities,
			From:      from,
			To:        to,
			DryRun:    backfillDryRun,
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillCommodity, "commodity", "egg", "Commodity to backfill")
	backfillCmd.Flags().StringSliceVar(&backfillCities, "city", nil, "Cities to backfill (defaults to configured cities)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
