package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/prgate/pkg/config"
)

// DecisionMetrics tracks recorded decisions.
//
// Metrics:
//   - prgate_gate_decisions_total: decisions by result and final status
//   - prgate_gate_decision_duration_seconds: start of work to recorded decision
//   - prgate_gate_policy_verdicts_total: per-policy verdicts
//   - prgate_gate_bypasses_total: OVERRIDDEN_PASS decisions by repository
type DecisionMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	verdictsTotal    *prometheus.CounterVec
	bypassesTotal    *prometheus.CounterVec
}

// NewDecisionMetrics creates and registers decision metrics.
func NewDecisionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *DecisionMetrics {
	dm := &DecisionMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decisions_total",
				Help:      "Total number of recorded decisions",
			},
			[]string{"result", "final_status"},
		),

		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decision_duration_seconds",
				Help:      "Time from the start of a unit of work to its recorded decision",
				Buckets:   cfg.DurationBuckets,
			},
		),

		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_verdicts_total",
				Help:      "Total number of per-policy verdicts",
			},
			[]string{"policy_id", "verdict"},
		),

		bypassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "bypasses_total",
				Help:      "Total number of decisions passed through an override",
			},
			[]string{"repo"},
		),
	}

	registry.MustRegister(
		dm.decisionsTotal,
		dm.decisionDuration,
		dm.verdictsTotal,
		dm.bypassesTotal,
	)

	return dm
}

// RecordDecision records one decision. A zero duration is not observed.
func (dm *DecisionMetrics) RecordDecision(result, finalStatus string, duration time.Duration) {
	dm.decisionsTotal.WithLabelValues(result, finalStatus).Inc()
	if duration > 0 {
		dm.decisionDuration.Observe(duration.Seconds())
	}
}

// RecordPolicyVerdict records the verdict of one applied policy.
func (dm *DecisionMetrics) RecordPolicyVerdict(policyID, verdict string) {
	dm.verdictsTotal.WithLabelValues(policyID, verdict).Inc()
}

// RecordBypass records an OVERRIDDEN_PASS decision.
func (dm *DecisionMetrics) RecordBypass(repo string) {
	dm.bypassesTotal.WithLabelValues(repo).Inc()
}
