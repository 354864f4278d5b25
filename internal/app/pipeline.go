package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"mktcast/internal/service"
)

// Ingest pulls observations for the requested window and reconciles them.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	if !opts.From.IsZero() && !opts.To.IsZero() && !opts.From.Before(opts.To) {
		return errors.New("ingest window is empty, check --from/--to")
	}

	store, closeStore, err := a.pipelineStore(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := a
	if opts.Workers > 0 && opts.Workers != a.Config.Pipeline.Workers {
		cfg := *a.Config
		cfg.Pipeline.Workers = opts.Workers
		runner = &App{Config: &cfg, Logger: a.Logger}
	}

	svc, err := runner.newService(store, nil, nil)
	if err != nil {
		return err
	}

	report, err := svc.Ingest(ctx, service.IngestRequest{
		Symbols: a.Config.ResolveSymbols(opts.Symbols),
		From:    opts.From,
		To:      opts.To,
	})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("symbols", report.Symbols).
		Int("failed_groups", report.FailedGroups).
		Int("written", report.Written).
		Int("dropped", report.Dropped).
		Int("rejected", report.Rejected).
		Bool("dry_run", opts.DryRun).
		Msg("ingest finished")
	if report.FailedGroups > 0 {
		return fmt.Errorf("%d of %d symbol groups failed to fetch, check the logs", report.FailedGroups, report.Groups)
	}
	return nil
}

// Estimate refreshes estimates for the configured or requested symbols.
func (a *App) Estimate(ctx context.Context, opts EstimateOptions) error {
	store, closeStore, err := a.pipelineStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newService(store, nil, nil)
	if err != nil {
		return err
	}

	report, err := svc.Estimate(ctx, a.Config.ResolveSymbols(opts.Symbols))
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("estimation failed for %d of %d symbols, check the logs", report.Failed, report.Symbols)
	}
	return nil
}

// Consolidate rebuilds the unified view once.
func (a *App) Consolidate(ctx context.Context) error {
	store, closeStore, err := a.pipelineStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newService(store, nil, nil)
	if err != nil {
		return err
	}

	res, err := svc.Consolidate(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Generation\t%s\n", res.Generation.ID)
	fmt.Fprintf(w, "Actual\t%d\n", res.Report.Actual)
	fmt.Fprintf(w, "Forecast\t%d\n", res.Report.Forecast)
	fmt.Fprintf(w, "Superseded\t%d\n", res.Report.Superseded)
	fmt.Fprintf(w, "Discarded\t%d\n", res.Report.Discarded)
	fmt.Fprintf(w, "Inconsistencies\t%d\n", len(res.Report.Inconsistencies))
	for _, inc := range res.Report.Inconsistencies {
		fmt.Fprintf(w, "\t%s\n", sanitizeInline(inc.Error()))
	}
	return w.Flush()
}
