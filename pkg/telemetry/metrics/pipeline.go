package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/prgate/pkg/config"
)

// PipelineMetrics tracks the orchestrator and its queue.
type PipelineMetrics struct {
	workUnitsTotal    *prometheus.CounterVec
	workUnitDuration  *prometheus.HistogramVec
	ingestionsTotal   *prometheus.CounterVec
	ingestionDuration *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
}

// NewPipelineMetrics creates and registers pipeline metrics.
func NewPipelineMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PipelineMetrics {
	pm := &PipelineMetrics{
		workUnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "work_units_total",
				Help:      "Total number of processed events by outcome",
			},
			[]string{"outcome"},
		),

		workUnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "work_unit_duration_seconds",
				Help:      "Duration of event processing in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"outcome"},
		),

		ingestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fact_ingestions_total",
				Help:      "Total number of fact ingestions by source and status",
			},
			[]string{"source", "status"},
		),

		ingestionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fact_ingestion_duration_seconds",
				Help:      "Duration of fact fetches in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"source"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of events waiting in the work queue",
			},
		),
	}

	registry.MustRegister(
		pm.workUnitsTotal,
		pm.workUnitDuration,
		pm.ingestionsTotal,
		pm.ingestionDuration,
		pm.queueDepth,
	)

	return pm
}

// RecordWorkUnit records a processed event.
func (pm *PipelineMetrics) RecordWorkUnit(outcome string, duration time.Duration) {
	pm.workUnitsTotal.WithLabelValues(outcome).Inc()
	pm.workUnitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordIngestion records a fact fetch.
func (pm *PipelineMetrics) RecordIngestion(source, status string, duration time.Duration) {
	pm.ingestionsTotal.WithLabelValues(source, status).Inc()
	pm.ingestionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// SetQueueDepth sets the queue depth gauge.
func (pm *PipelineMetrics) SetQueueDepth(depth int) {
	pm.queueDepth.Set(float64(depth))
}
