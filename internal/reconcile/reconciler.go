// Package reconcile merges resolved records into the keyed stores.
//
// Every row is written as an independent conditional upsert, so a batch that
// fails part way can be re-applied in full: committed chunks are simply
// overwritten with the same values.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mktcast/internal/metrics"
	"mktcast/internal/storage"
)

// DefaultChunkSize bounds the rows sent to the store in one round trip.
const DefaultChunkSize = 500

// Stats summarises one apply call.
type Stats struct {
	Received int
	Written  int
	Skipped  int
	Chunks   int
}

// Options tune the reconciler.
type Options struct {
	ChunkSize int
	Metrics   metrics.Recorder
}

// Reconciler upserts observations into an ObservationStore.
type Reconciler struct {
	store     storage.ObservationStore
	chunkSize int
	metrics   metrics.Recorder
	logger    zerolog.Logger
}

// NewReconciler wires a reconciler to its store.
func NewReconciler(store storage.ObservationStore, opts Options, logger zerolog.Logger) *Reconciler {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Reconciler{
		store:     store,
		chunkSize: chunk,
		metrics:   rec,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// Apply upserts the batch chunk by chunk. On failure the returned stats cover
// the chunks already committed.
func (r *Reconciler) Apply(ctx context.Context, batch []storage.Observation) (Stats, error) {
	stats := Stats{Received: len(batch)}

	err := applyChunks(ctx, batch, r.chunkSize, func(ctx context.Context, chunk []storage.Observation) error {
		if err := r.store.UpsertObservations(ctx, chunk); err != nil {
			return err
		}
		stats.Written += len(chunk)
		stats.Chunks++
		r.metrics.RowsUpserted("observations", len(chunk))
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).
			Int("received", stats.Received).
			Int("written", stats.Written).
			Msg("reconcile interrupted")
		return stats, fmt.Errorf("reconcile observations: %w", err)
	}

	r.logger.Debug().
		Int("received", stats.Received).
		Int("chunks", stats.Chunks).
		Msg("observations reconciled")
	return stats, nil
}

// applyChunks calls fn for consecutive slices of at most size items, checking
// ctx before each one.
func applyChunks[T any](ctx context.Context, items []T, size int, fn func(context.Context, []T) error) error {
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(items))
		if err := fn(ctx, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
