package app

import (
	"context"
	"os"

	"mktcast/internal/service"
	"mktcast/internal/storage"
)

// Preview runs one ingest, estimate and consolidate cycle against an in-memory
// store and prints the resulting unified view. Nothing is persisted.
func (a *App) Preview(ctx context.Context, opts PreviewOptions) error {
	store := storage.NewMemory(nil)

	cfg := *a.Config
	if opts.Days > 0 {
		cfg.Pipeline.LookbackDays = opts.Days
		cfg.Pipeline.HistoryDays = opts.Days
	}
	runner := &App{Config: &cfg, Logger: a.Logger}

	svc, err := runner.newService(store, nil, nil)
	if err != nil {
		return err
	}

	symbols := cfg.ResolveSymbols(opts.Symbols)
	if _, err := svc.Ingest(ctx, service.IngestRequest{Symbols: symbols}); err != nil {
		return err
	}
	if _, err := svc.Estimate(ctx, symbols); err != nil {
		return err
	}
	if _, err := svc.Consolidate(ctx); err != nil {
		return err
	}

	rows, err := store.ListUnified(ctx, "", 0)
	if err != nil {
		return err
	}
	return printUnified(os.Stdout, limitPerSymbol(rows, opts.Limit))
}

// limitPerSymbol keeps the first limit rows of each symbol. Rows must already
// be grouped by symbol.
func limitPerSymbol(rows []storage.UnifiedRecord, limit int) []storage.UnifiedRecord {
	if limit <= 0 {
		return rows
	}
	out := make([]storage.UnifiedRecord, 0, len(rows))
	seen := 0
	for i, row := range rows {
		if i == 0 || row.Symbol != rows[i-1].Symbol {
			seen = 0
		}
		if seen < limit {
			out = append(out, row)
		}
		seen++
	}
	return out
}
