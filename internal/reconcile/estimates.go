package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mktcast/internal/estimator"
	"mktcast/internal/identity"
	"mktcast/internal/metrics"
	"mktcast/internal/storage"
)

// EstimateWriter upserts estimation runs into an EstimateStore keyed by
// (symbol, target_ts, model_id). Runs from different models never collide.
type EstimateWriter struct {
	store     storage.EstimateStore
	chunkSize int
	metrics   metrics.Recorder
	logger    zerolog.Logger
}

// NewEstimateWriter wires a writer to its store.
func NewEstimateWriter(store storage.EstimateStore, opts Options, logger zerolog.Logger) *EstimateWriter {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &EstimateWriter{
		store:     store,
		chunkSize: chunk,
		metrics:   rec,
		logger:    logger.With().Str("component", "estimate_writer").Logger(),
	}
}

// Apply converts the run into estimate rows and upserts them. Points with an
// invalid key are skipped and counted; a run whose horizon is not positive is
// rejected outright.
func (w *EstimateWriter) Apply(ctx context.Context, run estimator.Run) (Stats, error) {
	stats := Stats{Received: len(run.Points)}
	if run.HorizonDays <= 0 {
		return stats, fmt.Errorf("%w: symbol %s model %s: horizon must be positive", identity.ErrMalformedRecord, run.Symbol, run.ModelID)
	}

	rows, skipped := w.rows(run)
	stats.Skipped = skipped
	if skipped > 0 {
		w.metrics.RecordsDropped("malformed_estimate", skipped)
	}

	err := applyChunks(ctx, rows, w.chunkSize, func(ctx context.Context, chunk []storage.Estimate) error {
		if err := w.store.UpsertEstimates(ctx, chunk); err != nil {
			return err
		}
		stats.Written += len(chunk)
		stats.Chunks++
		w.metrics.RowsUpserted("estimates", len(chunk))
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("write estimates: %w", err)
	}

	w.logger.Debug().
		Str("symbol", run.Symbol).
		Str("model_id", run.ModelID).
		Int("written", stats.Written).
		Int("skipped", stats.Skipped).
		Msg("estimates written")
	return stats, nil
}

func (w *EstimateWriter) rows(run estimator.Run) ([]storage.Estimate, int) {
	out := make([]storage.Estimate, 0, len(run.Points))
	index := make(map[storage.EstimateKey]int, len(run.Points))
	skipped := 0

	for _, p := range run.Points {
		key, err := identity.ResolveEstimateKey(run.Symbol, p.Target, run.ModelID)
		if err != nil {
			skipped++
			w.logger.Warn().Err(err).Time("target", p.Target).Msg("skipping estimate")
			continue
		}
		row := storage.Estimate{
			Symbol:         key.Symbol,
			TargetTS:       key.TargetTS,
			ModelID:        key.ModelID,
			PredictedClose: p.Predicted,
			Lower:          p.Lower,
			Upper:          p.Upper,
			TrainedAt:      run.TrainedAt.UTC(),
			HorizonDays:    run.HorizonDays,
		}
		// a run naming one target twice keeps its last point
		if i, ok := index[key]; ok {
			out[i] = row
			continue
		}
		index[key] = len(out)
		out = append(out, row)
	}
	return out, skipped
}
