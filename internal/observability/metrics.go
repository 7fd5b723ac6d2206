package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle statuses recorded in CyclesTotal.
const (
	CycleOK           = "ok"
	CycleFetchError   = "fetch_error"
	CycleStoreError   = "store_error"
	CyclePublishError = "publish_error"
	CycleSkipped      = "skipped"
	CycleInterrupted  = "interrupted"
)

// Event outcomes recorded in EventsTotal.
const (
	OutcomeNew          = "new"
	OutcomeDuplicate    = "duplicate"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics holds the feedmirror Prometheus collectors.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	PollInterval        prometheus.Gauge
	DuplicateRatio      prometheus.Gauge
	IntervalAdjustments *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedmirror_events_total",
			Help: "Feed events seen, by outcome.",
		}, []string{"outcome"}),

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedmirror_cycles_total",
			Help: "Poll cycles, by status.",
		}, []string{"status"}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedmirror_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle.",
			Buckets: prometheus.DefBuckets,
		}),

		PollInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedmirror_poll_interval_seconds",
			Help: "Current delay between polls.",
		}),

		DuplicateRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedmirror_duplicate_ratio",
			Help: "Duplicate ratio computed at the last control evaluation.",
		}),

		IntervalAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedmirror_interval_adjustments_total",
			Help: "Poll interval adjustments, by direction.",
		}, []string{"direction"}),
	}
}
