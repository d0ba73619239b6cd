package cli

import (
	"github.com/spf13/cobra"

	"commodity-ratewatch/internal/app"
)

var (
	showCommodity string
	showCity      string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest stored prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Commodity: showCommodity,
			City:      showCity,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showCommodity, "commodity", "egg", "Commodity to display")
	showCmd.Flags().StringVar(&showCity, "city", "", "Limit output to one city")
}
