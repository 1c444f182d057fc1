package report

import (
	"context"
	"errors"
	"testing"

	"mercator-hq/prgate/pkg/governance"
)

// TestFromDecision tests that a recorded decision is rendered unchanged.
func TestFromDecision(t *testing.T) {
	d := &governance.Decision{
		ID:             "dec-1",
		Result:         governance.VerdictBlock,
		FinalStatus:    governance.StatusOverriddenPass,
		Rationale:      "Evaluation Result: BLOCK.",
		EvaluationHash: "h",
		EngineVersion:  governance.EngineVersion,
		OverrideID:     "ovr-1",
	}

	r := FromDecision(d)
	if r.Status != d.FinalStatus || r.DecisionID != d.ID || r.OverrideID != "ovr-1" || r.Summary != d.Rationale {
		t.Errorf("Unexpected report: %+v", r)
	}
	if p := Present(r.Status); p.Title != "Bypass Authorized" {
		t.Errorf("Expected Bypass Authorized, got %q", p.Title)
	}
}

// TestDeepLink tests link construction.
func TestDeepLink(t *testing.T) {
	target := Target{Owner: "acme", Repo: "api", PRNumber: 7}
	for _, base := range []string{"https://gate.example.com", "https://gate.example.com/"} {
		if got := DeepLink(base, target); got != "https://gate.example.com/pr/acme/api/7" {
			t.Errorf("DeepLink(%q) = %q", base, got)
		}
	}
}

// TestRecorder tests call capture and Last.
func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	a := Target{Owner: "acme", Repo: "api", HeadSHA: "a"}
	b := Target{Owner: "acme", Repo: "api", HeadSHA: "b"}

	_ = rec.Report(ctx, a, Pending())
	_ = rec.Report(ctx, b, Pending())
	_ = rec.Report(ctx, a, Report{Status: governance.StatusSuccess})

	if n := len(rec.Calls()); n != 3 {
		t.Fatalf("Expected 3 calls, got %d", n)
	}
	last, ok := rec.Last("a")
	if !ok || last.Status != governance.StatusSuccess {
		t.Errorf("Expected SUCCESS as last report for a, got %+v", last)
	}
	if _, ok := rec.Last("missing"); ok {
		t.Error("Expected no report for unknown sha")
	}

	boom := errors.New("boom")
	rec.FailWith(boom)
	if err := rec.Report(ctx, a, Pending()); !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

// TestMulti tests that every reporter is called and errors are joined.
func TestMulti(t *testing.T) {
	first, second := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	first.FailWith(boom)

	err := Multi{first, second, NewLogReporter(nil)}.Report(context.Background(), Target{HeadSHA: "x"}, Pending())
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined boom, got %v", err)
	}
	if len(first.Calls()) != 1 || len(second.Calls()) != 1 {
		t.Error("Expected every reporter to be called")
	}
}
