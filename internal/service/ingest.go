package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mktcast/internal/identity"
	"mktcast/internal/normalize"
)

// IngestRequest selects what to pull from the source. Zero times default to
// the configured lookback window ending tomorrow (UTC).
type IngestRequest struct {
	Symbols []string
	From    time.Time
	To      time.Time
}

// IngestReport summarises one ingest stage.
type IngestReport struct {
	Symbols      int
	Groups       int
	FailedGroups int
	Records      int
	Dropped      int
	Rejected     int
	Written      int
	Chunks       int
}

// Ingest fetches every symbol group, normalizes and resolves the tables, and
// reconciles the observations. A group that fails to fetch is logged and
// skipped; store failures abort the stage.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestReport, error) {
	var report IngestReport

	symbols := s.resolveSymbols(req.Symbols)
	if len(symbols) == 0 {
		return report, errors.New("no symbols configured")
	}
	from, to := s.window(req.From, req.To)
	if !from.Before(to) {
		return report, fmt.Errorf("empty ingest window [%s, %s)", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	groups := chunkSymbols(symbols, s.fetchBatch)
	report.Symbols = len(symbols)
	report.Groups = len(groups)

	err := s.stage(ctx, "ingest", func(ctx context.Context, logger zerolog.Logger) error {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)

		for _, group := range groups {
			group := group
			g.Go(func() error {
				part, err := s.ingestGroup(gctx, logger, group, from, to)
				mu.Lock()
				defer mu.Unlock()
				report.Records += part.Records
				report.Dropped += part.Dropped
				report.Rejected += part.Rejected
				report.Written += part.Written
				report.Chunks += part.Chunks
				report.FailedGroups += part.FailedGroups
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if report.FailedGroups == report.Groups {
			return fmt.Errorf("all %d symbol groups failed to fetch", report.Groups)
		}
		logger.Info().
			Int("symbols", report.Symbols).
			Int("failed_groups", report.FailedGroups).
			Int("records", report.Records).
			Int("dropped", report.Dropped).
			Int("rejected", report.Rejected).
			Int("written", report.Written).
			Msg("ingest summary")
		return nil
	})
	return report, err
}

func (s *Service) ingestGroup(ctx context.Context, logger zerolog.Logger, symbols []string, from, to time.Time) (IngestReport, error) {
	var part IngestReport

	table, err := s.source.Fetch(ctx, symbols, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return part, ctx.Err()
		}
		part.FailedGroups = 1
		logger.Warn().Err(err).Strs("symbols", symbols).Msg("fetch failed, skipping group")
		return part, nil
	}

	res := normalize.Normalize(table)
	for _, d := range res.Dropped {
		logger.Debug().Str("diagnostic", d.String()).Msg("record dropped")
	}
	for _, d := range res.Ignored {
		logger.Debug().Str("diagnostic", d.String()).Msg("column ignored")
	}
	s.metrics.RecordsDropped("incomplete", len(res.Dropped))

	observations, rejected := identity.ResolveBatch(res.Records)
	for _, r := range rejected {
		logger.Debug().Err(r.Err).Str("symbol", r.Record.Symbol).Str("ts", r.Record.Timestamp).Msg("record rejected")
	}
	s.metrics.RecordsDropped("malformed", len(rejected))

	part.Records = len(res.Records)
	part.Dropped = len(res.Dropped)
	part.Rejected = len(rejected)

	stats, err := s.reconciler.Apply(ctx, observations)
	part.Written = stats.Written
	part.Chunks = stats.Chunks
	return part, err
}

func (s *Service) window(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = truncateDay(s.now()).AddDate(0, 0, 1)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -s.lookbackDays)
	}
	return from.UTC(), to.UTC()
}

func chunkSymbols(symbols []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		out = append(out, symbols[start:end])
	}
	return out
}
