package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/policy/engine"
	"mercator-hq/prgate/pkg/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStore
	snapshot *governance.FactSnapshot
	decision *governance.Decision
}

// setup records a BLOCK decision for a change with no tests.
func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	rules := governance.RulesLogic{
		Type:   governance.CheckerCoverage,
		Params: governance.CoverageParams{MinTests: 1},
	}
	snap := &governance.FactSnapshot{
		ID:              "snap-1",
		RepoFullName:    "acme/api",
		PRNumber:        7,
		CommitSHA:       "abc123",
		SnapshotVersion: governance.SnapshotVersion,
		IngestedAt:      t0,
		Facts: governance.Facts{
			IngestionStatus: governance.IngestionStatus{Complete: true, MissingFields: []string{}},
			Provenance:      governance.Provenance{Source: "github"},
			Changes: governance.ChangeFacts{
				TotalFiles: 1,
				Files:      []governance.FileFact{{Path: "src/app.go", Extension: ".go", Status: "modified"}},
			},
			Metadata: governance.DerivedFacts{PathPrefixes: []string{"src"}},
		},
	}
	applied := []governance.AppliedPolicy{{
		PolicyID:        "tests",
		PolicyVersionID: "pv-1",
		VersionNumber:   1,
		Scope:           governance.ScopeOrg,
		Level:           governance.LevelOverridable,
		Rules:           rules,
	}}

	out, err := engine.New(nil).Evaluate(snap, applied, t0)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	d := &governance.Decision{
		ID:               "dec-00000001-aaaa",
		PolicyVersionID:  out.PrimaryPolicyVersionID(),
		FactID:           snap.ID,
		Result:           governance.VerdictBlock,
		FinalStatus:      governance.StatusFailure,
		Rationale:        out.Rationale,
		EvaluationHash:   out.EvaluationHash,
		EngineVersion:    out.EngineVersion,
		AppliedPolicies:  out.AppliedPolicies,
		ViolatedPolicies: out.ViolatedPolicies,
		CreatedAt:        t0.Add(time.Second),
	}

	err = store.WithTx(ctx, func(tx governance.Tx) error {
		if err := tx.CreatePolicy(ctx, &governance.Policy{
			ID: "tests", Name: "Require tests", Scope: governance.ScopeOrg, TargetID: "acme", CreatedAt: t0,
		}); err != nil {
			return err
		}
		if err := tx.CreatePolicyVersion(ctx, &governance.PolicyVersion{
			ID: "pv-1", PolicyID: "tests", VersionNumber: 1,
			EnforcementLevel: governance.LevelOverridable, Rules: rules,
			CreatedAt: t0, CreatedBy: "admin",
		}); err != nil {
			return err
		}
		if _, _, err := tx.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
		return tx.InsertDecision(ctx, d)
	})
	if err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}
	return &fixture{store: store, snapshot: snap, decision: d}
}

// TestService_Get tests the full projection of a blocking decision.
func TestService_Get(t *testing.T) {
	f := setup(t)
	svc := NewService(f.store, nil).WithClock(func() time.Time { return t0.Add(time.Hour) })

	r, err := svc.Get(context.Background(), f.decision.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if r.ReviewID != "REV-DEC-0000" {
		t.Errorf("ReviewID = %q, want REV-DEC-0000", r.ReviewID)
	}
	if r.Subject.Repo != "acme/api" || r.Subject.PRNumber != 7 || r.Subject.CommitSHA != "abc123" {
		t.Errorf("Unexpected subject: %+v", r.Subject)
	}

	wantSteps := []Step{StepFactIngestion, StepPolicyResolution, StepJudgmentExecution}
	if len(r.Timeline) != len(wantSteps) {
		t.Fatalf("Expected %d timeline entries, got %d", len(wantSteps), len(r.Timeline))
	}
	for i, step := range wantSteps {
		if r.Timeline[i].Step != step {
			t.Errorf("Timeline[%d] = %s, want %s", i, r.Timeline[i].Step, step)
		}
	}
	if !r.Timeline[0].At.Equal(t0) {
		t.Errorf("Ingestion step at %v, want %v", r.Timeline[0].At, t0)
	}
	if got := r.Timeline[1].Evidence; len(got) != 1 || got[0] != "policy_version_id:pv-1" {
		t.Errorf("Unexpected resolution evidence: %v", got)
	}

	if len(r.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(r.Violations))
	}
	v := r.Violations[0]
	if v.PolicyName != "Require tests" {
		t.Errorf("PolicyName = %q", v.PolicyName)
	}
	if got, ok := v.ActualValue.(float64); !ok || got != 0 {
		t.Errorf("ActualValue = %#v, want 0", v.ActualValue)
	}

	if !r.Integrity.Verified {
		t.Errorf("Expected verified integrity, got %+v", r.Integrity)
	}
	if r.Integrity.CalculatedHash != f.decision.EvaluationHash {
		t.Errorf("CalculatedHash = %s, want %s", r.Integrity.CalculatedHash, f.decision.EvaluationHash)
	}
	if r.Override != nil {
		t.Errorf("Expected no override, got %+v", r.Override)
	}
	if !r.GeneratedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("GeneratedAt = %v", r.GeneratedAt)
	}
}

// TestService_GetTampered tests that a modified stored hash is not verified.
func TestService_GetTampered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	forged := *f.decision
	forged.ID = "dec-forged"
	forged.EvaluationHash = "sha256:0000"
	if err := f.store.WithTx(ctx, func(tx governance.Tx) error {
		return tx.InsertDecision(ctx, &forged)
	}); err != nil {
		t.Fatalf("InsertDecision failed: %v", err)
	}

	r, err := NewService(f.store, nil).Get(ctx, forged.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Integrity.Verified {
		t.Error("Expected tampered decision to fail verification")
	}
	if r.Integrity.CalculatedHash != f.decision.EvaluationHash {
		t.Errorf("CalculatedHash = %s, want %s", r.Integrity.CalculatedHash, f.decision.EvaluationHash)
	}
	if r.Integrity.Reason == "" {
		t.Error("Expected a reason")
	}
}

// TestService_GetOverride tests that override signatures and revocation are included.
func TestService_GetOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx governance.Tx) error {
		if err := tx.InsertOverride(ctx, &governance.Override{
			ID:             "ovr-1",
			DecisionID:     f.decision.ID,
			EvaluationHash: f.decision.EvaluationHash,
			TargetSHA:      "abc123",
			RepoFullName:   "acme/api",
			PRNumber:       7,
			Category:       governance.CategoryEmergencyHotfix,
			Status:         governance.OverrideApproved,
			ExpiresAt:      t0.Add(24 * time.Hour),
			CreatedBy:      "alice",
			CreatedAt:      t0,
		}); err != nil {
			return err
		}
		if err := tx.InsertSignature(ctx, &governance.OverrideSignature{
			ID: "sig-1", OverrideID: "ovr-1", ActorID: "alice", RoleAtSigning: "lead",
			Justification: "production outage fix", CommitSHA: "abc123", CreatedAt: t0,
		}); err != nil {
			return err
		}
		if err := tx.InsertRevocation(ctx, &governance.OverrideRevocation{
			OverrideID: "ovr-1", RevokedByActorID: "bob", Reason: "not needed", RevokedAt: t0.Add(time.Hour),
		}); err != nil {
			return err
		}
		return tx.AttachOverride(ctx, f.decision.ID, "ovr-1")
	})
	if err != nil {
		t.Fatalf("failed to seed override: %v", err)
	}

	r, err := NewService(f.store, nil).Get(ctx, f.decision.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Override == nil {
		t.Fatal("Expected override info")
	}
	if len(r.Override.Signatures) != 1 || r.Override.Signatures[0].ActorID != "alice" {
		t.Errorf("Unexpected signatures: %+v", r.Override.Signatures)
	}
	if r.Override.Revocation == nil || r.Override.Revocation.RevokedByActorID != "bob" {
		t.Errorf("Unexpected revocation: %+v", r.Override.Revocation)
	}
	if !r.Integrity.Verified {
		t.Error("Attaching an override must not change the verified hash")
	}
}

// TestService_GetErrors tests validation and missing decisions.
func TestService_GetErrors(t *testing.T) {
	svc := NewService(storage.NewMemoryStore(), nil)

	var verr *governance.ValidationError
	if _, err := svc.Get(context.Background(), " "); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "missing"); !governance.IsNotFound(err) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

// TestFactValue tests dotted path lookup.
func TestFactValue(t *testing.T) {
	facts := governance.Facts{
		Changes:  governance.ChangeFacts{TotalFiles: 3},
		Metadata: governance.DerivedFacts{TestFilesChangedCount: 2},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"changes.total_files", float64(3), true},
		{"metadata.test_files_changed_count", float64(2), true},
		{"changes.missing", nil, false},
		{"changes.total_files.deeper", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := FactValue(facts, tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("FactValue(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
