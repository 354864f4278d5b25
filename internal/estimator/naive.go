package estimator

import (
	"context"
	"errors"
	"time"

	"mktcast/internal/storage"
)

// NaiveModelID identifies estimates produced by Naive.
const NaiveModelID = "naive-last-v1"

// Naive carries the last observed close forward over the horizon. It is a
// deterministic stand-in for offline runs and tests.
type Naive struct {
	now func() time.Time
}

// NewNaive builds a Naive estimator. A nil clock defaults to time.Now.
func NewNaive(now func() time.Time) *Naive {
	if now == nil {
		now = time.Now
	}
	return &Naive{now: now}
}

// Estimate implements Estimator.
func (n *Naive) Estimate(ctx context.Context, symbol string, history []storage.Observation, horizonDays int) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	if horizonDays <= 0 {
		return Run{}, errors.New("horizon must be positive")
	}
	if len(history) == 0 {
		return Run{}, errors.New("history is empty")
	}

	last := history[0]
	for _, obs := range history[1:] {
		if obs.TS.After(last.TS) {
			last = obs
		}
	}

	run := Run{
		Symbol:      symbol,
		ModelID:     NaiveModelID,
		TrainedAt:   n.now().UTC(),
		HorizonDays: horizonDays,
	}
	for _, target := range BusinessDays(last.TS, horizonDays) {
		run.Points = append(run.Points, Point{Target: target, Predicted: last.Close})
	}
	return run, nil
}

var _ Estimator = (*Naive)(nil)
