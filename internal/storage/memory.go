package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store with the same per-key semantics as Store.
// It backs dry runs and tests.
type Memory struct {
	mu           sync.RWMutex
	observations map[ObservationKey]Observation
	estimates    map[EstimateKey]Estimate

	unified atomic.Pointer[memoryGeneration]

	lockMu sync.Mutex
	locks  map[int64]bool

	now func() time.Time
}

type memoryGeneration struct {
	gen  Generation
	rows []UnifiedRecord
}

// NewMemory builds an empty in-memory store. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		observations: make(map[ObservationKey]Observation),
		estimates:    make(map[EstimateKey]Estimate),
		locks:        make(map[int64]bool),
		now:          now,
	}
}

// UpsertObservations applies each row as an independent insert-or-overwrite.
func (m *Memory) UpsertObservations(ctx context.Context, batch []Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, obs := range batch {
		obs.TS = obs.TS.UTC()
		written := m.now().UTC()
		if existing, ok := m.observations[obs.Key()]; ok && existing.IngestedAt.After(written) {
			written = existing.IngestedAt
		}
		obs.IngestedAt = written
		m.observations[obs.Key()] = obs
	}
	return nil
}

// ScanObservations lists observations for symbol in [from, to) ordered by ts.
func (m *Memory) ScanObservations(ctx context.Context, symbol string, from, to time.Time) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Observation, 0)
	for key, obs := range m.observations {
		if key.Symbol != symbol || key.TS.Before(from) || !key.TS.Before(to) {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// LatestObservation returns the newest observed timestamp for symbol.
func (m *Memory) LatestObservation(ctx context.Context, symbol string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for key := range m.observations {
		if key.Symbol != symbol {
			continue
		}
		if !found || key.TS.After(latest) {
			latest = key.TS
			found = true
		}
	}
	return latest, found, nil
}

// UpsertEstimates applies each estimate as an independent insert-or-overwrite.
func (m *Memory) UpsertEstimates(ctx context.Context, batch []Estimate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, est := range batch {
		est.TargetTS = est.TargetTS.UTC()
		written := m.now().UTC()
		if existing, ok := m.estimates[est.Key()]; ok && existing.WrittenAt.After(written) {
			written = existing.WrittenAt
		}
		est.WrittenAt = written
		m.estimates[est.Key()] = est
	}
	return nil
}

// ScanEstimates lists every estimate for symbol ordered by target and model.
func (m *Memory) ScanEstimates(ctx context.Context, symbol string) ([]Estimate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Estimate, 0)
	for key, est := range m.estimates {
		if key.Symbol == symbol {
			out = append(out, est)
		}
	}
	sortEstimates(out)
	return out, nil
}

// Snapshot copies both maps under one read lock.
func (m *Memory) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Observations: make([]Observation, 0, len(m.observations)),
		Estimates:    make([]Estimate, 0, len(m.estimates)),
		TakenAt:      m.now().UTC(),
	}
	for _, obs := range m.observations {
		snap.Observations = append(snap.Observations, obs)
	}
	for _, est := range m.estimates {
		snap.Estimates = append(snap.Estimates, est)
	}
	sort.Slice(snap.Observations, func(i, j int) bool {
		a, b := snap.Observations[i], snap.Observations[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.TS.Before(b.TS)
	})
	sortEstimates(snap.Estimates)
	return snap, nil
}

// ReplaceUnified swaps in a private copy of rows with a single pointer store.
func (m *Memory) ReplaceUnified(ctx context.Context, rows []UnifiedRecord) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}

	copied := make([]UnifiedRecord, len(rows))
	copy(copied, rows)

	id := uuid.NewString()
	next := &memoryGeneration{
		gen: Generation{
			ID:          id,
			Table:       "memory:" + id,
			Rows:        len(copied),
			PublishedAt: m.now().UTC(),
		},
		rows: copied,
	}
	m.unified.Store(next)
	return next.gen, nil
}

// ListUnified mirrors Store.ListUnified: newest first within each symbol.
func (m *Memory) ListUnified(ctx context.Context, symbol string, limit int) ([]UnifiedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current := m.unified.Load()
	if current == nil {
		return []UnifiedRecord{}, nil
	}

	out := make([]UnifiedRecord, 0, len(current.rows))
	for _, row := range current.rows {
		if symbol == "" || row.Symbol == symbol {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].TS.After(out[j].TS)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CurrentGeneration reports the last published generation, if any.
func (m *Memory) CurrentGeneration() (Generation, bool) {
	current := m.unified.Load()
	if current == nil {
		return Generation{}, false
	}
	return current.gen, true
}

// TryAdvisoryLock emulates a non-blocking process-wide lock.
func (m *Memory) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.lockMu.Lock()
			delete(m.locks, key)
			m.lockMu.Unlock()
		})
	}
	return unlock, true, nil
}

func sortEstimates(estimates []Estimate) {
	sort.Slice(estimates, func(i, j int) bool {
		a, b := estimates[i], estimates[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if !a.TargetTS.Equal(b.TargetTS) {
			return a.TargetTS.Before(b.TargetTS)
		}
		return a.ModelID < b.ModelID
	})
}

var (
	_ ObservationStore = (*Memory)(nil)
	_ EstimateStore    = (*Memory)(nil)
	_ SnapshotReader   = (*Memory)(nil)
	_ UnifiedPublisher = (*Memory)(nil)
	_ AdvisoryLocker   = (*Memory)(nil)
)
