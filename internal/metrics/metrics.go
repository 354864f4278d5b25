// Package metrics records pipeline telemetry in Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives pipeline events.
type Recorder interface {
	RowsUpserted(store string, n int)
	RecordsDropped(reason string, n int)
	UnifiedRows(tag string, n int)
	Inconsistencies(n int)
	ObserveStage(stage string, took time.Duration, err error)
}

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	rowsUpserted    *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	unifiedRows     *prometheus.GaugeVec
	inconsistencies prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
}

// NewPrometheus registers the pipeline collectors under namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "mktcast"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.rowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_upserted_total",
			Help:      "Rows written by conditional upsert",
		},
		[]string{"store"},
	)

	p.recordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_dropped_total",
			Help:      "Input records skipped during normalization or key validation",
		},
		[]string{"reason"},
	)

	p.unifiedRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unified",
			Name:      "rows",
			Help:      "Rows in the most recently published unified view",
		},
		[]string{"source"},
	)

	p.inconsistencies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unified",
			Name:      "inconsistencies_total",
			Help:      "Identities whose forecast could not be chosen by the tie-break policy alone",
		},
	)

	p.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Time taken by a pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage", "result"},
	)

	p.stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Pipeline stages that failed as a whole",
		},
		[]string{"stage"},
	)

	p.registry.MustRegister(
		p.rowsUpserted,
		p.recordsDropped,
		p.unifiedRows,
		p.inconsistencies,
		p.stageDuration,
		p.stageFailures,
	)
	return p
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) RowsUpserted(store string, n int) {
	p.rowsUpserted.WithLabelValues(store).Add(float64(n))
}

func (p *Prometheus) RecordsDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	p.recordsDropped.WithLabelValues(reason).Add(float64(n))
}

func (p *Prometheus) UnifiedRows(tag string, n int) {
	p.unifiedRows.WithLabelValues(tag).Set(float64(n))
}

func (p *Prometheus) Inconsistencies(n int) {
	p.inconsistencies.Add(float64(n))
}

func (p *Prometheus) ObserveStage(stage string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		p.stageFailures.WithLabelValues(stage).Inc()
	}
	p.stageDuration.WithLabelValues(stage, result).Observe(took.Seconds())
}

// Noop discards every event.
type Noop struct{}

func (Noop) RowsUpserted(string, int) {}
func (Noop) RecordsDropped(string, int) {}
func (Noop) UnifiedRows(string, int) {}
func (Noop) Inconsistencies(int) {}
func (Noop) ObserveStage(string, time.Duration, error) {}

var (
	_ Recorder = (*Prometheus)(nil)
	_ Recorder = Noop{}
)
