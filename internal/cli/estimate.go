package cli

import (
	"github.com/spf13/cobra"

	"mktcast/internal/app"
)

var estimateSymbols []string

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Refresh model estimates from stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Estimate(cmd.Context(), app.EstimateOptions{Symbols: estimateSymbols})
	},
}

func init() {
	estimateCmd.Flags().StringSliceVar(&estimateSymbols, "symbols", nil, "Symbols to estimate (defaults to config)")
}
