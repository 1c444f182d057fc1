package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/handoff"
)

// Collector owns every Prometheus metric of the gate. It consumes decision
// events from the handoff bus and exposes recording methods for the pipeline,
// override and simulation components.
//
// Policy ids and repositories are user-controlled label values; both go
// through a CardinalityLimiter and collapse into "other" once the limit is hit.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	decisionMetrics   *DecisionMetrics
	pipelineMetrics   *PipelineMetrics
	governanceMetrics *GovernanceMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registered on registry. A nil registry
// means a fresh private registry.
//
// Example:
//
//	cfg := &config.MetricsConfig{Enabled: true, Namespace: "prgate", Subsystem: "gate"}
//	collector := metrics.NewCollector(cfg, nil)
//	bus := handoff.NewBus(256, collector)
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = append([]float64(nil), config.DefaultDurationBuckets...)
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		cardinalityLimiter: NewCardinalityLimiter(10000),
	}

	c.decisionMetrics = NewDecisionMetrics(cfg, registry)
	c.pipelineMetrics = NewPipelineMetrics(cfg, registry)
	c.governanceMetrics = NewGovernanceMetrics(cfg, registry)

	return c
}

// OnDecision implements handoff.Subscriber.
func (c *Collector) OnDecision(ctx context.Context, e handoff.DecisionEvent) {
	if c == nil || !c.config.Enabled {
		return
	}

	d := e.Decision
	c.decisionMetrics.RecordDecision(string(d.Result), string(d.FinalStatus), e.Duration)

	verdicts := make(map[string]string, len(d.AppliedPolicies))
	for _, p := range d.AppliedPolicies {
		verdicts[p.PolicyID] = "PASS"
	}
	for _, v := range d.ViolatedPolicies {
		verdicts[v.PolicyID] = string(v.Verdict)
	}
	for policyID, verdict := range verdicts {
		if !c.cardinalityLimiter.Allow(fmt.Sprintf("policy:%s:%s", policyID, verdict)) {
			policyID = "other"
		}
		c.decisionMetrics.RecordPolicyVerdict(policyID, verdict)
	}

	if e.OverrideID != "" {
		repo := e.RepoFullName
		if !c.cardinalityLimiter.Allow("bypass:" + repo) {
			repo = "other"
		}
		c.decisionMetrics.RecordBypass(repo)
	}
}

// RecordWorkUnit records how one unit of work ended.
//
// Outcomes: "decided", "replayed", "converged", "race", "retry",
// "system_error".
func (c *Collector) RecordWorkUnit(outcome string, duration time.Duration) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.pipelineMetrics.RecordWorkUnit(outcome, duration)
}

// RecordIngestion records a fact fetch from source.
func (c *Collector) RecordIngestion(source string, created bool, err error, duration time.Duration) {
	if c == nil || !c.config.Enabled {
		return
	}
	status := "cached"
	switch {
	case err != nil:
		status = "error"
	case created:
		status = "created"
	}
	c.pipelineMetrics.RecordIngestion(source, status, duration)
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.pipelineMetrics.SetQueueDepth(depth)
}

// RecordOverride records an override lifecycle action ("created", "signed",
// "revoked", "expired", "invalidated", "validated", "rejected").
func (c *Collector) RecordOverride(action, category string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.governanceMetrics.RecordOverride(action, category)
}

// RecordOverrides adds n to an override action counter.
func (c *Collector) RecordOverrides(action string, n int) {
	if c == nil || !c.config.Enabled || n <= 0 {
		return
	}
	c.governanceMetrics.AddOverrides(action, n)
}

// RecordSimulation records a finished simulation.
func (c *Collector) RecordSimulation(status, friction string, duration time.Duration) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.governanceMetrics.RecordSimulation(status, friction, duration)
}

// RecordPromotion records a simulation promoted into a policy version.
func (c *Collector) RecordPromotion(friction string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.governanceMetrics.RecordPromotion(friction)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label combinations per metric.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet may be used. Known label sets are always
// allowed; new ones only while below the limit.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
