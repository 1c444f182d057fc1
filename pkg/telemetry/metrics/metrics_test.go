package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/handoff"
)

// Helper function to create test config
func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:         true,
		Namespace:       "test",
		Subsystem:       "gate",
		DurationBuckets: []float64{0.1, 0.5, 1.0, 5.0},
	}
}

func event(status governance.FinalStatus, result governance.Verdict, overrideID string) handoff.DecisionEvent {
	d := &governance.Decision{
		ID:          "dec-1",
		Result:      result,
		FinalStatus: status,
		AppliedPolicies: []governance.AppliedPolicy{
			{PolicyID: "tests", PolicyVersionID: "pv-1"},
			{PolicyID: "size", PolicyVersionID: "pv-2"},
		},
	}
	if result == governance.VerdictBlock {
		d.ViolatedPolicies = []governance.Violation{{PolicyID: "tests", PolicyVersionID: "pv-1", Verdict: governance.VerdictBlock}}
	}
	return handoff.DecisionEvent{
		Decision:     d,
		RepoFullName: "acme/api",
		OverrideID:   overrideID,
		Duration:     300 * time.Millisecond,
	}
}

// TestCollector_NewCollector tests collector creation and defaults
func TestCollector_NewCollector(t *testing.T) {
	cfg := &config.MetricsConfig{Enabled: true}
	registry := prometheus.NewRegistry()

	collector := NewCollector(cfg, registry)

	if collector.registry != registry {
		t.Error("Collector registry not set correctly")
	}
	if cfg.Namespace != "prgate" || cfg.Subsystem != "gate" {
		t.Errorf("Expected default namespace/subsystem, got %s/%s", cfg.Namespace, cfg.Subsystem)
	}
	if len(cfg.DurationBuckets) == 0 {
		t.Error("Expected default duration buckets")
	}
}

// TestCollector_OnDecision tests decision event consumption
func TestCollector_OnDecision(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	ctx := context.Background()

	collector.OnDecision(ctx, event(governance.StatusSuccess, governance.VerdictPass, ""))
	collector.OnDecision(ctx, event(governance.StatusFailure, governance.VerdictBlock, ""))
	collector.OnDecision(ctx, event(governance.StatusOverriddenPass, governance.VerdictBlock, "ovr-1"))

	dm := collector.decisionMetrics
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"pass/success", testutil.ToFloat64(dm.decisionsTotal.WithLabelValues("PASS", "SUCCESS")), 1},
		{"block/failure", testutil.ToFloat64(dm.decisionsTotal.WithLabelValues("BLOCK", "FAILURE")), 1},
		{"block/overridden", testutil.ToFloat64(dm.decisionsTotal.WithLabelValues("BLOCK", "OVERRIDDEN_PASS")), 1},
		{"tests blocked", testutil.ToFloat64(dm.verdictsTotal.WithLabelValues("tests", "BLOCK")), 2},
		{"tests passed", testutil.ToFloat64(dm.verdictsTotal.WithLabelValues("tests", "PASS")), 1},
		{"size passed", testutil.ToFloat64(dm.verdictsTotal.WithLabelValues("size", "PASS")), 3},
		{"bypasses", testutil.ToFloat64(dm.bypassesTotal.WithLabelValues("acme/api")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}

	if n := testutil.CollectAndCount(dm.decisionDuration); n != 1 {
		t.Errorf("Expected 1 histogram series, got %d", n)
	}
}

// TestCollector_Disabled tests that a disabled collector records nothing
func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	collector := NewCollector(cfg, prometheus.NewRegistry())

	collector.OnDecision(context.Background(), event(governance.StatusSuccess, governance.VerdictPass, ""))
	collector.RecordWorkUnit("decided", time.Second)
	collector.RecordOverride("created", "EMERGENCY_HOTFIX")

	if n := testutil.CollectAndCount(collector.decisionMetrics.decisionsTotal); n != 0 {
		t.Errorf("Expected no decision series, got %d", n)
	}
	if n := testutil.CollectAndCount(collector.pipelineMetrics.workUnitsTotal); n != 0 {
		t.Errorf("Expected no work unit series, got %d", n)
	}
}

// TestCollector_Pipeline tests pipeline recording
func TestCollector_Pipeline(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	pm := collector.pipelineMetrics

	collector.RecordWorkUnit("decided", 200*time.Millisecond)
	collector.RecordWorkUnit("decided", 400*time.Millisecond)
	collector.RecordWorkUnit("race", 100*time.Millisecond)
	collector.RecordIngestion("github", true, nil, time.Second)
	collector.RecordIngestion("github", false, nil, time.Second)
	collector.RecordIngestion("github", false, io.ErrUnexpectedEOF, time.Second)
	collector.SetQueueDepth(7)

	if got := testutil.ToFloat64(pm.workUnitsTotal.WithLabelValues("decided")); got != 2 {
		t.Errorf("Expected 2 decided, got %v", got)
	}
	if got := testutil.ToFloat64(pm.workUnitsTotal.WithLabelValues("race")); got != 1 {
		t.Errorf("Expected 1 race, got %v", got)
	}
	for _, status := range []string{"created", "cached", "error"} {
		if got := testutil.ToFloat64(pm.ingestionsTotal.WithLabelValues("github", status)); got != 1 {
			t.Errorf("Expected 1 %s ingestion, got %v", status, got)
		}
	}
	if got := testutil.ToFloat64(pm.queueDepth); got != 7 {
		t.Errorf("Expected queue depth 7, got %v", got)
	}
}

// TestCollector_Governance tests override and simulation recording
func TestCollector_Governance(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	gm := collector.governanceMetrics

	collector.RecordOverride("created", "EMERGENCY_HOTFIX")
	collector.RecordOverrides("expired", 3)
	collector.RecordOverrides("expired", 0)
	collector.RecordSimulation("COMPLETED", "HIGH", 2*time.Second)
	collector.RecordPromotion("HIGH")

	if got := testutil.ToFloat64(gm.overridesTotal.WithLabelValues("created", "EMERGENCY_HOTFIX")); got != 1 {
		t.Errorf("Expected 1 created override, got %v", got)
	}
	if got := testutil.ToFloat64(gm.overridesTotal.WithLabelValues("expired", "")); got != 3 {
		t.Errorf("Expected 3 expired overrides, got %v", got)
	}
	if got := testutil.ToFloat64(gm.simulationsTotal.WithLabelValues("COMPLETED", "HIGH")); got != 1 {
		t.Errorf("Expected 1 simulation, got %v", got)
	}
	if got := testutil.ToFloat64(gm.promotionsTotal.WithLabelValues("HIGH")); got != 1 {
		t.Errorf("Expected 1 promotion, got %v", got)
	}
}

// TestCardinalityLimiter tests the label set limit
func TestCardinalityLimiter(t *testing.T) {
	limiter := NewCardinalityLimiter(2)

	if !limiter.Allow("a") || !limiter.Allow("b") {
		t.Fatal("Expected first two label sets to be allowed")
	}
	if limiter.Allow("c") {
		t.Error("Expected third label set to be rejected")
	}
	if !limiter.Allow("a") {
		t.Error("Expected known label set to stay allowed")
	}
	if limiter.Count() != 2 {
		t.Errorf("Expected count 2, got %d", limiter.Count())
	}
}

// TestCollector_Handler tests the exposition endpoint
func TestCollector_Handler(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.RecordWorkUnit("decided", time.Second)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_gate_work_units_total{outcome="decided"} 1`) {
		t.Errorf("Expected work unit counter in exposition, got:\n%s", rec.Body.String())
	}
}
