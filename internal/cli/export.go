package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"commodity-ratewatch/internal/app"
	"commodity-ratewatch/internal/rates"
)

var (
	exportCommodity string
	exportCity      string
	exportBucket    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored prices of a city as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportCity == "" {
			return fmt.Errorf("--city must be provided")
		}
		opts := app.ExportOptions{
			Commodity: exportCommodity,
			City:      exportCity,
			Bucket:    exportBucket,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := rates.ParseDay(exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := rates.ParseDay(exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCommodity, "commodity", "egg", "Commodity to export")
	exportCmd.Flags().StringVar(&exportCity, "city", "", "City to export")
	exportCmd.Flags().StringVar(&exportBucket, "bucket", "", "Only export one price bucket")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First date (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last date (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
