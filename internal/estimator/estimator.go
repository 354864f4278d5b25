// Package estimator is the boundary to the forecasting capability. Model
// fitting happens elsewhere; this package only ships history out and brings
// point estimates back.
package estimator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mktcast/internal/storage"
)

// Point is one estimate for a future timestamp.
type Point struct {
	Target    time.Time
	Predicted decimal.Decimal
	Lower     *decimal.Decimal
	Upper     *decimal.Decimal
}

// Run is the output of one estimation call for one symbol.
type Run struct {
	Symbol      string
	ModelID     string
	TrainedAt   time.Time
	HorizonDays int
	Points      []Point
}

// Estimator produces estimates from observation history.
type Estimator interface {
	Estimate(ctx context.Context, symbol string, history []storage.Observation, horizonDays int) (Run, error)
}

// BusinessDays returns the next n weekdays strictly after from, at midnight UTC.
func BusinessDays(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for len(out) < n {
		day = day.AddDate(0, 0, 1)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		out = append(out, day)
	}
	return out
}
