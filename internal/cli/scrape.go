package cli

import (
	"github.com/spf13/cobra"

	"price-tracker/internal/app"
)

var scrapeItemID int64

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape a single tracked item once",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ScrapeOptions{
			ItemID: scrapeItemID,
		}
		return getApp().Scrape(cmd.Context(), opts)
	},
}

func init() {
	scrapeCmd.Flags().Int64Var(&scrapeItemID, "item", 0, "Tracked item id to scrape")
	scrapeCmd.MarkFlagRequired("item")
}
