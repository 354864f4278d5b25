package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mktcast/internal/metrics"
	"mktcast/internal/storage"
)

// ErrLockHeld is returned when another consolidation holds the advisory lock.
var ErrLockHeld = errors.New("consolidation already running")

// Store is what a consolidation run needs from the backing store.
type Store interface {
	storage.SnapshotReader
	storage.UnifiedPublisher
}

// Options tune a Consolidator.
type Options struct {
	Policy  Policy
	LockKey int64
	Metrics metrics.Recorder
}

// Result describes one completed run.
type Result struct {
	Generation storage.Generation
	Report     Report
	SnapshotAt time.Time
}

// Consolidator rebuilds and publishes the unified view.
type Consolidator struct {
	store   Store
	locker  storage.AdvisoryLocker
	policy  Policy
	lockKey int64
	metrics metrics.Recorder
	logger  zerolog.Logger
}

// NewConsolidator constructs a Consolidator. When store also implements
// storage.AdvisoryLocker and a lock key is set, concurrent runs are serialised.
func NewConsolidator(store Store, opts Options, logger zerolog.Logger) *Consolidator {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}
	policy := opts.Policy
	if policy.TieBreak == "" {
		policy.TieBreak = LatestWrite
	}
	return &Consolidator{
		store:   store,
		locker:  locker,
		policy:  policy,
		lockKey: opts.LockKey,
		metrics: rec,
		logger:  logger.With().Str("component", "consolidator").Logger(),
	}
}

// Run reads a consistent snapshot of both stores, builds the unified set and
// replaces the published view with it in one step. A failure at any point
// leaves the previous view in place.
func (c *Consolidator) Run(ctx context.Context) (Result, error) {
	unlock, proceed, err := c.acquireLock(ctx)
	if err != nil {
		return Result{}, err
	}
	if !proceed {
		c.logger.Info().Int64("lock_key", c.lockKey).Msg("skip consolidation because advisory lock held elsewhere")
		return Result{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read snapshot: %w", err)
	}

	rows, report := Build(snap, c.policy)
	for _, inc := range report.Inconsistencies {
		c.logger.Warn().Err(inc).
			Str("symbol", inc.Symbol).
			Time("ts", inc.TS).
			Str("kept", inc.Chosen).
			Msg("consolidation inconsistency")
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	gen, err := c.store.ReplaceUnified(ctx, rows)
	if err != nil {
		return Result{}, fmt.Errorf("publish unified view: %w", err)
	}

	c.metrics.UnifiedRows(string(storage.SourceActual), report.Actual)
	c.metrics.UnifiedRows(string(storage.SourceForecast), report.Forecast)
	c.metrics.Inconsistencies(len(report.Inconsistencies))

	c.logger.Info().
		Str("generation", gen.ID).
		Int("actual", report.Actual).
		Int("forecast", report.Forecast).
		Int("superseded", report.Superseded).
		Int("discarded", report.Discarded).
		Int("inconsistencies", len(report.Inconsistencies)).
		Str("tie_break", string(c.policy.TieBreak)).
		Msg("unified view published")

	return Result{Generation: gen, Report: report, SnapshotAt: snap.TakenAt}, nil
}

func (c *Consolidator) acquireLock(ctx context.Context) (func(), bool, error) {
	if c.lockKey == 0 || c.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := c.locker.TryAdvisoryLock(ctx, c.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
