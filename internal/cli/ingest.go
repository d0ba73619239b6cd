package cli

import (
	"github.com/spf13/cobra"

	"commodity-ratewatch/internal/app"
)

var (
	ingestCommodities []string
	ingestDryRun      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Ingest(cmd.Context(), app.IngestOptions{
			Commodities: ingestCommodities,
			DryRun:      ingestDryRun,
		})
		return err
	},
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestCommodities, "commodity", nil, "Commodities to ingest (defaults to config)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Keep records in memory and skip notifications")
}
