package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mktcast/internal/app"
)

var (
	ingestSymbols []string
	ingestFrom    string
	ingestTo      string
	ingestDryRun  bool
	ingestWorkers int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch daily bars and reconcile them into the observation store",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{
			Symbols: ingestSymbols,
			DryRun:  ingestDryRun,
			Workers: ingestWorkers,
		}

		if ingestFrom != "" {
			from, err := parseDay(ingestFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = from
		}

		if ingestTo != "" {
			to, err := parseDay(ingestTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = to
		}

		if !opts.From.IsZero() && !opts.To.IsZero() && !opts.From.Before(opts.To) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Ingest(cmd.Context(), opts)
	},
}

// parseDay accepts either a date or a full RFC3339 timestamp.
func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestSymbols, "symbols", nil, "Symbols to ingest (defaults to config)")
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "Start date (YYYY-MM-DD or RFC3339, inclusive)")
	ingestCmd.Flags().StringVar(&ingestTo, "to", "", "End date (YYYY-MM-DD or RFC3339, exclusive)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Run against an in-memory store")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "Concurrent fetch workers (defaults to config)")
}
