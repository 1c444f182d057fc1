package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/prgate/pkg/config"
)

// GovernanceMetrics tracks overrides and policy simulations.
type GovernanceMetrics struct {
	overridesTotal     *prometheus.CounterVec
	simulationsTotal   *prometheus.CounterVec
	simulationDuration prometheus.Histogram
	promotionsTotal    *prometheus.CounterVec
}

// NewGovernanceMetrics creates and registers override and simulation metrics.
func NewGovernanceMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *GovernanceMetrics {
	gm := &GovernanceMetrics{
		overridesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "override_actions_total",
				Help:      "Total number of override lifecycle actions",
			},
			[]string{"action", "category"},
		),

		simulationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "simulations_total",
				Help:      "Total number of policy simulations by status and friction",
			},
			[]string{"status", "friction"},
		),

		simulationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "simulation_duration_seconds",
				Help:      "Duration of policy simulations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~160s
			},
		),

		promotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "simulation_promotions_total",
				Help:      "Total number of simulations promoted to policy versions",
			},
			[]string{"friction"},
		),
	}

	registry.MustRegister(
		gm.overridesTotal,
		gm.simulationsTotal,
		gm.simulationDuration,
		gm.promotionsTotal,
	)

	return gm
}

// RecordOverride counts one override action.
func (gm *GovernanceMetrics) RecordOverride(action, category string) {
	gm.overridesTotal.WithLabelValues(action, category).Inc()
}

// AddOverrides counts n override actions without a category, as produced by
// sweeps.
func (gm *GovernanceMetrics) AddOverrides(action string, n int) {
	gm.overridesTotal.WithLabelValues(action, "").Add(float64(n))
}

// RecordSimulation counts a finished simulation.
func (gm *GovernanceMetrics) RecordSimulation(status, friction string, duration time.Duration) {
	gm.simulationsTotal.WithLabelValues(status, friction).Inc()
	gm.simulationDuration.Observe(duration.Seconds())
}

// RecordPromotion counts a promotion.
func (gm *GovernanceMetrics) RecordPromotion(friction string) {
	gm.promotionsTotal.WithLabelValues(friction).Inc()
}
