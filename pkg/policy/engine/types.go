package engine

import (
	"time"

	"mercator-hq/prgate/pkg/governance"
)

// CheckResult is what a single checker concludes about one policy.
type CheckResult struct {
	Verdict  governance.Verdict
	Message  string
	FactPath string
	Expected string
	Actual   string
}

// PolicyResult is the checker result of one applied policy.
type PolicyResult struct {
	PolicyID        string                      `json:"policy_id"`
	PolicyVersionID string                      `json:"policy_version_id"`
	Level           governance.EnforcementLevel `json:"level"`
	Checker         governance.CheckerKind      `json:"checker"`
	Verdict         governance.Verdict          `json:"verdict"`
	Message         string                      `json:"message"`
	FactPath        string                      `json:"fact_path,omitempty"`
	Expected        string                      `json:"expected,omitempty"`
	Actual          string                      `json:"actual,omitempty"`
}

// Outcome is the engine's full answer for one snapshot.
type Outcome struct {
	FactSnapshotID   string                     `json:"fact_snapshot_id"`
	AppliedPolicies  []governance.AppliedPolicy `json:"applied_policies"`
	PolicyResults    []PolicyResult             `json:"policy_results"`
	Result           governance.Verdict         `json:"result"`
	Rationale        string                     `json:"rationale"`
	ViolatedPolicies []governance.Violation     `json:"violated_policies"`
	EvaluationHash   string                     `json:"evaluation_hash"`
	EngineVersion    string                     `json:"engine_version"`
	EvaluatedAt      time.Time                  `json:"evaluated_at"`
}

// PrimaryPolicyVersionID returns the version that decided the outcome: the
// first non-PASS policy, or the first applied policy when everything passed.
// It is empty when no policy applied.
func (o *Outcome) PrimaryPolicyVersionID() string {
	for _, r := range o.PolicyResults {
		if r.Verdict != governance.VerdictPass {
			return r.PolicyVersionID
		}
	}
	if len(o.AppliedPolicies) > 0 {
		return o.AppliedPolicies[0].PolicyVersionID
	}
	return ""
}

// HashInput is the canonical structure the evaluation hash is computed over.
type HashInput struct {
	Facts         governance.Facts `json:"facts"`
	Policies      []HashPolicy     `json:"policies"`
	EngineVersion string           `json:"engine_version"`
}

// HashPolicy is one policy as it contributes to the evaluation hash.
type HashPolicy struct {
	PolicyID string                `json:"policy_id"`
	Rules    governance.RulesLogic `json:"rules"`
}
