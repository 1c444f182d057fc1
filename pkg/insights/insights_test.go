package insights

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/handoff"
	"mercator-hq/prgate/pkg/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decision(id string, status governance.FinalStatus, blockedVersions ...string) *governance.Decision {
	d := &governance.Decision{
		ID:          id,
		FinalStatus: status,
		AppliedPolicies: []governance.AppliedPolicy{
			{PolicyID: "tests", PolicyVersionID: "pv-tests"},
			{PolicyID: "size", PolicyVersionID: "pv-size"},
		},
	}
	for _, v := range blockedVersions {
		d.ViolatedPolicies = append(d.ViolatedPolicies, governance.Violation{PolicyVersionID: v, Verdict: governance.VerdictBlock})
	}
	return d
}

func metricsByVersion(t *testing.T, tr *Tracker) map[string]*governance.PolicyMetric {
	t.Helper()
	ms, err := tr.Metrics(context.Background(), "")
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	out := make(map[string]*governance.PolicyMetric)
	for _, m := range ms {
		out[m.VersionID] = m
	}
	return out
}

// seedOverrides inserts n overrides for repo, each created at the given time.
func seedOverrides(t *testing.T, store governance.Store, repo string, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx governance.Tx) error {
		snap, _, err := tx.InsertSnapshot(ctx, &governance.FactSnapshot{
			ID: "snap-" + repo + at.String(), RepoFullName: repo, CommitSHA: at.String(), IngestedAt: at,
		})
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%s-%d", repo, at.Format(time.RFC3339), i)
			if err := tx.InsertDecision(ctx, &governance.Decision{ID: "dec-" + id, FactID: snap.ID, CreatedAt: at}); err != nil {
				return err
			}
			if err := tx.InsertOverride(ctx, &governance.Override{
				ID: "ovr-" + id, DecisionID: "dec-" + id, RepoFullName: repo,
				Status: governance.OverrideApproved, CreatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed overrides: %v", err)
	}
}

// TestTracker_Counters tests per-policy evaluation, block and override counts.
func TestTracker_Counters(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, DefaultConfig()).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	events := []handoff.DecisionEvent{
		{Decision: decision("d1", governance.StatusSuccess)},
		{Decision: decision("d2", governance.StatusFailure, "pv-tests")},
		{Decision: decision("d3", governance.StatusOverriddenPass, "pv-tests"), OverrideID: "ovr-1"},
	}
	for _, e := range events {
		if err := tr.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	ms := metricsByVersion(t, tr)
	tests := ms["pv-tests"]
	if tests == nil || tests.TotalEvaluations != 3 || tests.TotalBlocks != 2 || tests.TotalOverrides != 1 {
		t.Errorf("Unexpected tests metric: %+v", tests)
	}
	size := ms["pv-size"]
	if size == nil || size.TotalEvaluations != 3 || size.TotalBlocks != 0 || size.TotalOverrides != 0 {
		t.Errorf("Unexpected size metric: %+v", size)
	}
	if !tests.UpdatedAt.Equal(t0) {
		t.Errorf("Expected updated_at %v, got %v", t0, tests.UpdatedAt)
	}
}

// TestTracker_BypassVelocity tests threshold, window and de-duplication.
func TestTracker_BypassVelocity(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, Config{BypassThreshold: 3, BypassWindow: 24 * time.Hour}).
		WithClock(func() time.Time { return t0 })
	ctx := context.Background()
	overridden := handoff.DecisionEvent{
		Decision:     decision("d", governance.StatusOverriddenPass, "pv-tests"),
		RepoFullName: "acme/api",
		OverrideID:   "ovr",
	}

	// Old overrides fall outside the window.
	seedOverrides(t, store, "acme/api", 5, t0.Add(-48*time.Hour))
	seedOverrides(t, store, "acme/api", 2, t0.Add(-time.Hour))
	if err := tr.Record(ctx, overridden); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	sigs, _ := tr.Signals(ctx, governance.SignalFilter{TargetID: "acme/api"})
	if len(sigs) != 0 {
		t.Fatalf("Expected no signal below threshold, got %d", len(sigs))
	}

	seedOverrides(t, store, "acme/api", 1, t0.Add(-30*time.Minute))
	for i := 0; i < 2; i++ {
		if err := tr.Record(ctx, overridden); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	sigs, _ = tr.Signals(ctx, governance.SignalFilter{TargetID: "acme/api", Type: governance.SignalBypassVelocity})
	if len(sigs) != 1 {
		t.Fatalf("Expected exactly 1 signal, got %d", len(sigs))
	}
	if sigs[0].Level != LevelAttention || sigs[0].Metadata["count"] != "3" {
		t.Errorf("Unexpected signal: %+v", sigs[0])
	}

	// Other repos and non-overridden decisions never raise signals.
	_ = tr.Record(ctx, handoff.DecisionEvent{Decision: decision("x", governance.StatusFailure, "pv-tests"), RepoFullName: "acme/web"})
	if sigs, _ := tr.Signals(ctx, governance.SignalFilter{TargetID: "acme/web"}); len(sigs) != 0 {
		t.Errorf("Unexpected signals for acme/web: %d", len(sigs))
	}
}

// TestTracker_RecordChallenge tests challenge counting.
func TestTracker_RecordChallenge(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, DefaultConfig())
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx governance.Tx) error {
		if err := tx.CreatePolicy(ctx, &governance.Policy{ID: "tests", Scope: governance.ScopeRepo, TargetID: "acme/api"}); err != nil {
			return err
		}
		return tx.CreatePolicyVersion(ctx, &governance.PolicyVersion{ID: "pv-tests", PolicyID: "tests", VersionNumber: 1})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.RecordChallenge(ctx, "tests", "pv-tests"); err != nil {
		t.Fatalf("RecordChallenge failed: %v", err)
	}
	if m := metricsByVersion(t, tr)["pv-tests"]; m == nil || m.ChallengeCount != 1 {
		t.Errorf("Unexpected metric: %+v", m)
	}
	if err := tr.RecordChallenge(ctx, "tests", "missing"); !governance.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	if err := tr.RecordChallenge(ctx, "", ""); governance.Classify(err) != governance.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

// TestTracker_Subscriber tests that the tracker consumes bus events.
func TestTracker_Subscriber(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, DefaultConfig())
	bus := handoff.NewBus(4, tr)

	bus.Publish(context.Background(), handoff.DecisionEvent{Decision: decision("d1", governance.StatusSuccess)})
	_ = bus.Close()

	if m := metricsByVersion(t, tr)["pv-size"]; m == nil || m.TotalEvaluations != 1 {
		t.Errorf("Expected one evaluation via bus, got %+v", m)
	}
}
