// Package consolidate rebuilds the unified view from both keyed stores.
//
// Build is the pure algorithm: observed values always take precedence over
// forecasts for the same (symbol, ts), and among forecasts exactly one is
// surfaced per identity. Consolidator wraps it with a consistent snapshot and
// an atomic replace of the published view.
package consolidate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"mktcast/internal/storage"
)

// ErrInconsistency marks an identity the consolidator resolved by fallback
// rather than by the configured rule.
var ErrInconsistency = errors.New("consolidation inconsistency")

// Inconsistency describes one identity that needed a fallback decision. It
// never produces a second row.
type Inconsistency struct {
	Symbol string
	TS     time.Time
	Kind   string
	// Candidates lists the models (or ingestion times) that could not be separated.
	Candidates []string
	Chosen     string
}

func (i Inconsistency) Error() string {
	return fmt.Sprintf("%s %s %s: %s; kept %s among [%s]",
		ErrInconsistency, i.Symbol, i.TS.Format(time.RFC3339), i.Kind, i.Chosen, strings.Join(i.Candidates, ", "))
}

func (i Inconsistency) Unwrap() error { return ErrInconsistency }

const (
	kindEstimateTie          = "estimates tied under tie-break"
	kindDuplicateObservation = "duplicate observation"
)

// Report counts what a build did.
type Report struct {
	Actual     int
	Forecast   int
	Superseded int
	// Discarded counts estimates that lost the tie-break to another forecast.
	Discarded       int
	Inconsistencies []Inconsistency
}

type identityKey struct {
	symbol string
	ts     int64
}

func keyOf(symbol string, ts time.Time) identityKey {
	return identityKey{symbol: symbol, ts: ts.UTC().UnixNano()}
}

// Build derives the complete unified row set from a snapshot. Output is sorted
// by symbol, then ts.
func Build(snap storage.Snapshot, policy Policy) ([]storage.UnifiedRecord, Report) {
	var report Report

	actual := make(map[identityKey]storage.Observation, len(snap.Observations))
	for _, obs := range snap.Observations {
		key := keyOf(obs.Symbol, obs.TS)
		existing, ok := actual[key]
		if !ok {
			actual[key] = obs
			continue
		}
		// the stores enforce one row per key; a snapshot breaking that keeps the newest write
		kept := existing
		if obs.IngestedAt.After(existing.IngestedAt) {
			kept = obs
		}
		actual[key] = kept
		report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
			Symbol:     obs.Symbol,
			TS:         obs.TS.UTC(),
			Kind:       kindDuplicateObservation,
			Candidates: []string{existing.IngestedAt.UTC().Format(time.RFC3339Nano), obs.IngestedAt.UTC().Format(time.RFC3339Nano)},
			Chosen:     kept.IngestedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	forecasts := make(map[identityKey]storage.Estimate)
	tied := make(map[identityKey][]string)
	for _, est := range snap.Estimates {
		key := keyOf(est.Symbol, est.TargetTS)
		if _, ok := actual[key]; ok {
			report.Superseded++
			continue
		}
		current, ok := forecasts[key]
		if !ok {
			forecasts[key] = est
			continue
		}
		report.Discarded++
		c := policy.compare(est, current)
		if c == 0 {
			if len(tied[key]) == 0 {
				tied[key] = []string{current.ModelID}
			}
			tied[key] = append(tied[key], est.ModelID)
			// deterministic fallback: greatest model id
			if est.ModelID > current.ModelID {
				forecasts[key] = est
			}
			continue
		}
		if c > 0 {
			forecasts[key] = est
			// a clear winner clears any earlier tie for this identity
			delete(tied, key)
		}
	}

	rows := make([]storage.UnifiedRecord, 0, len(actual)+len(forecasts))
	for _, obs := range actual {
		closePx := obs.Close
		rows = append(rows, storage.UnifiedRecord{
			Symbol: obs.Symbol,
			TS:     obs.TS.UTC(),
			Close:  &closePx,
			Source: storage.SourceActual,
		})
	}
	for key, est := range forecasts {
		predicted := est.PredictedClose
		rows = append(rows, storage.UnifiedRecord{
			Symbol:         est.Symbol,
			TS:             est.TargetTS.UTC(),
			PredictedClose: &predicted,
			Source:         storage.SourceForecast,
			ModelID:        est.ModelID,
		})
		if models, ok := tied[key]; ok {
			sort.Strings(models)
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Symbol:     est.Symbol,
				TS:         est.TargetTS.UTC(),
				Kind:       kindEstimateTie,
				Candidates: models,
				Chosen:     est.ModelID,
			})
		}
	}
	report.Actual = len(actual)
	report.Forecast = len(forecasts)

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Symbol != rows[j].Symbol {
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].TS.Before(rows[j].TS)
	})
	sort.Slice(report.Inconsistencies, func(i, j int) bool {
		a, b := report.Inconsistencies[i], report.Inconsistencies[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.TS.Before(b.TS)
	})
	return rows, report
}
