package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mktcast/internal/config"
	"mktcast/internal/consolidate"
	"mktcast/internal/estimator"
	"mktcast/internal/fetcher"
	"mktcast/internal/logging"
	"mktcast/internal/metrics"
	"mktcast/internal/reconcile"
	"mktcast/internal/scheduler"
	"mktcast/internal/storage"
)

// Store is everything the pipeline reads and writes.
type Store interface {
	storage.ObservationStore
	storage.EstimateStore
	storage.SnapshotReader
	storage.UnifiedPublisher
}

// Service orchestrates ingestion, estimation and consolidation.
type Service struct {
	scheduler    *scheduler.Scheduler
	source       fetcher.Source
	estimator    estimator.Estimator
	store        Store
	reconciler   *reconcile.Reconciler
	writer       *reconcile.EstimateWriter
	consolidator *consolidate.Consolidator
	metrics      metrics.Recorder
	logger       zerolog.Logger

	symbols      []string
	lookbackDays int
	historyDays  int
	horizonDays  int
	workers      int
	fetchBatch   int
	locker       storage.AdvisoryLocker
	lockKey      int64
	now          func() time.Time
}

// New constructs the pipeline service.
func New(cfg *config.Config, sched *scheduler.Scheduler, source fetcher.Source, est estimator.Estimator, store Store, rec metrics.Recorder, logger zerolog.Logger) (*Service, error) {
	if rec == nil {
		rec = metrics.Noop{}
	}

	tieBreak, err := consolidate.ParseTieBreak(cfg.Pipeline.TieBreak)
	if err != nil {
		return nil, err
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	chunk := reconcile.Options{ChunkSize: cfg.Pipeline.ChunkSize, Metrics: rec}

	return &Service{
		scheduler:  sched,
		source:     source,
		estimator:  est,
		store:      store,
		reconciler: reconcile.NewReconciler(store, chunk, logger),
		writer:     reconcile.NewEstimateWriter(store, chunk, logger),
		consolidator: consolidate.NewConsolidator(store, consolidate.Options{
			Policy:  consolidate.Policy{TieBreak: tieBreak, Models: cfg.Pipeline.ModelPriority},
			LockKey: cfg.Pipeline.LockKey,
			Metrics: rec,
		}, logger),
		metrics: rec,
		logger:  logger.With().Str("component", "service").Logger(),

		symbols:      cfg.Pipeline.Symbols,
		lookbackDays: cfg.Pipeline.LookbackDays,
		historyDays:  cfg.Pipeline.HistoryDays,
		horizonDays:  cfg.Pipeline.HorizonDays,
		workers:      max(cfg.Pipeline.Workers, 1),
		fetchBatch:   max(cfg.Pipeline.FetchBatch, 1),
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run begins the aligned pipeline loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.RunCycle)
}

// RunCycle ingests the lookback window ending at bucket, refreshes estimates
// and rebuilds the unified view.
func (s *Service) RunCycle(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	to := truncateDay(bucket).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -s.lookbackDays)

	if _, err := s.Ingest(ctx, IngestRequest{From: from, To: to}); err != nil {
		return err
	}
	if _, err := s.Estimate(ctx, nil); err != nil {
		return err
	}
	if _, err := s.Consolidate(ctx); err != nil {
		if errors.Is(err, consolidate.ErrLockHeld) {
			return nil
		}
		return err
	}
	return nil
}

// Consolidate rebuilds and publishes the unified view.
func (s *Service) Consolidate(ctx context.Context) (consolidate.Result, error) {
	var res consolidate.Result
	err := s.stage(ctx, "consolidate", func(ctx context.Context, logger zerolog.Logger) error {
		var err error
		res, err = s.consolidator.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info().
			Str("generation", res.Generation.ID).
			Int("actual", res.Report.Actual).
			Int("forecast", res.Report.Forecast).
			Int("inconsistencies", len(res.Report.Inconsistencies)).
			Msg("unified view rebuilt")
		return nil
	})
	return res, err
}

// stage runs fn with a fresh run id, timing it and recording the outcome.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context, zerolog.Logger) error) error {
	runID := uuid.NewString()
	logger := logging.WithRun(s.logger, name, runID)
	started := time.Now()

	logger.Info().Msg("stage started")
	err := fn(ctx, logger)
	took := time.Since(started)
	s.metrics.ObserveStage(name, took, err)

	if err != nil {
		logger.Error().Err(err).Dur("took", took).Msg("stage failed")
		return fmt.Errorf("%s stage: %w", name, err)
	}
	logger.Info().Dur("took", took).Msg("stage completed")
	return nil
}

func (s *Service) resolveSymbols(override []string) []string {
	if len(override) > 0 {
		return override
	}
	return s.symbols
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
