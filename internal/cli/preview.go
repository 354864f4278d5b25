package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"mktcast/internal/app"
)

var (
	previewSymbols []string
	previewDays    int
	previewLimit   int
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Run one full cycle in memory and print the unified view",
	RunE: func(cmd *cobra.Command, args []string) error {
		if previewDays < 0 || previewLimit < 0 {
			return errors.New("--days and --limit must not be negative")
		}
		return getApp().Preview(cmd.Context(), app.PreviewOptions{
			Symbols: previewSymbols,
			Days:    previewDays,
			Limit:   previewLimit,
		})
	},
}

func init() {
	previewCmd.Flags().StringSliceVar(&previewSymbols, "symbols", nil, "Symbols to preview (defaults to config)")
	previewCmd.Flags().IntVar(&previewDays, "days", 30, "Days of history to fetch")
	previewCmd.Flags().IntVar(&previewLimit, "limit", 10, "Rows to print per symbol (0 for all)")
}
