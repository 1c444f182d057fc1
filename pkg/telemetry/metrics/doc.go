// Package metrics provides Prometheus metrics for the gate.
//
// # Metrics Categories
//
//   - Decision Metrics: decisions by result and final status, per-policy
//     verdicts, bypasses, hand-off latency
//   - Pipeline Metrics: processed events by outcome, fact ingestion, queue depth
//   - Governance Metrics: override lifecycle actions, simulations, promotions
//
// Decision metrics are fed from handoff.DecisionEvent; the Collector is a
// handoff.Subscriber and is never called from the decision write path.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	bus := handoff.NewBus(256, collector)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// # Cardinality
//
// Policy ids and repository names are bounded by a CardinalityLimiter (10K
// label sets). Values beyond the limit are recorded as "other".
package metrics
