package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceTag marks where a unified row's value came from.
type SourceTag string

const (
	SourceActual   SourceTag = "ACTUAL"
	SourceForecast SourceTag = "FORECAST"
)

// ObservationKey identifies one observed data point.
type ObservationKey struct {
	Symbol string
	TS     time.Time
}

// Observation is one persisted daily market observation.
type Observation struct {
	Symbol     string
	TS         time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	AdjClose   decimal.Decimal
	Volume     int64
	IngestedAt time.Time
}

// Key returns the composite identity of the observation.
func (o Observation) Key() ObservationKey {
	return ObservationKey{Symbol: o.Symbol, TS: o.TS.UTC()}
}

// SameValues reports whether the business fields of two observations match.
// IngestedAt is deliberately not compared.
func (o Observation) SameValues(other Observation) bool {
	return o.Symbol == other.Symbol &&
		o.TS.Equal(other.TS) &&
		o.Open.Equal(other.Open) &&
		o.High.Equal(other.High) &&
		o.Low.Equal(other.Low) &&
		o.Close.Equal(other.Close) &&
		o.AdjClose.Equal(other.AdjClose) &&
		o.Volume == other.Volume
}

// EstimateKey identifies one model-produced estimate.
type EstimateKey struct {
	Symbol   string
	TargetTS time.Time
	ModelID  string
}

// Estimate is one persisted forecast point.
type Estimate struct {
	Symbol         string
	TargetTS       time.Time
	ModelID        string
	PredictedClose decimal.Decimal
	Lower          *decimal.Decimal
	Upper          *decimal.Decimal
	TrainedAt      time.Time
	HorizonDays    int
	WrittenAt      time.Time
}

// Key returns the composite identity of the estimate.
func (e Estimate) Key() EstimateKey {
	return EstimateKey{Symbol: e.Symbol, TargetTS: e.TargetTS.UTC(), ModelID: e.ModelID}
}

// UnifiedRecord is one row of the consolidated view.
type UnifiedRecord struct {
	Symbol         string
	TS             time.Time
	Close          *decimal.Decimal
	PredictedClose *decimal.Decimal
	Source         SourceTag
	ModelID        string
}

// Snapshot is a consistent read of both stores.
type Snapshot struct {
	Observations []Observation
	Estimates    []Estimate
	TakenAt      time.Time
}

// Generation describes a published unified view build.
type Generation struct {
	ID          string
	Table       string
	Rows        int
	PublishedAt time.Time
}
