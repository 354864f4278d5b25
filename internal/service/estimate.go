package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mktcast/internal/identity"
)

// EstimateReport summarises one estimate stage.
type EstimateReport struct {
	Symbols int
	Skipped int
	Failed  int
	Points  int
	Written int
}

// Estimate asks the estimator for a fresh run per symbol over the configured
// history window and writes the points. Symbols without history are skipped;
// estimator failures are logged and counted; store failures abort the stage.
func (s *Service) Estimate(ctx context.Context, symbols []string) (EstimateReport, error) {
	var report EstimateReport

	symbols = s.resolveSymbols(symbols)
	if len(symbols) == 0 {
		return report, errors.New("no symbols configured")
	}
	report.Symbols = len(symbols)

	err := s.stage(ctx, "estimate", func(ctx context.Context, logger zerolog.Logger) error {
		to := truncateDay(s.now()).AddDate(0, 0, 1)
		from := to.AddDate(0, 0, -s.historyDays)

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)

		for _, symbol := range symbols {
			symbol := symbol
			g.Go(func() error {
				history, err := s.store.ScanObservations(gctx, symbol, from, to)
				if err != nil {
					return err
				}
				if len(history) == 0 {
					mu.Lock()
					report.Skipped++
					mu.Unlock()
					logger.Debug().Str("symbol", symbol).Msg("no history, skipping estimate")
					return nil
				}

				run, err := s.estimator.Estimate(gctx, symbol, history, s.horizonDays)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					mu.Lock()
					report.Failed++
					mu.Unlock()
					logger.Warn().Err(err).Str("symbol", symbol).Msg("estimator failed")
					return nil
				}

				stats, err := s.writer.Apply(gctx, run)
				mu.Lock()
				report.Points += stats.Received
				report.Written += stats.Written
				mu.Unlock()
				if errors.Is(err, identity.ErrMalformedRecord) {
					mu.Lock()
					report.Failed++
					mu.Unlock()
					logger.Warn().Err(err).Str("symbol", symbol).Msg("estimator returned an unusable run")
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		logger.Info().
			Int("symbols", report.Symbols).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Int("written", report.Written).
			Msg("estimate summary")
		return nil
	})
	return report, err
}
