// Package review builds read-only explanations of recorded decisions.
//
// A Review links a decision back to the snapshot it judged and the policy
// versions it applied, and re-derives the evaluation hash so a reader can
// confirm that neither has changed since.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/override"
	"mercator-hq/prgate/pkg/policy/engine"
)

// Step names one stage of the evidence timeline.
type Step string

const (
	StepFactIngestion     Step = "FACT_INGESTION"
	StepPolicyResolution  Step = "POLICY_RESOLUTION"
	StepJudgmentExecution Step = "JUDGMENT_EXECUTION"
)

// TimelineEntry is one stage of the evidence chain.
type TimelineEntry struct {
	Step     Step      `json:"step"`
	At       time.Time `json:"timestamp"`
	Evidence []string  `json:"evidence"`
}

// ViolationDetail pairs a violation with the fact value it was judged on.
type ViolationDetail struct {
	governance.Violation
	PolicyName  string `json:"policy_name,omitempty"`
	ActualValue any    `json:"actual_value"`
}

// Integrity reports whether the stored hash still matches its inputs.
type Integrity struct {
	Verified       bool   `json:"evaluation_hash_verified"`
	StoredHash     string `json:"stored_hash"`
	CalculatedHash string `json:"calculated_hash,omitempty"`
	EngineVersion  string `json:"engine_version"`
	Reason         string `json:"reason,omitempty"`
}

// Subject identifies the unit of work a decision was made for.
type Subject struct {
	Repo            string `json:"full_name"`
	PRNumber        int    `json:"pr_number"`
	CommitSHA       string `json:"commit_sha"`
	SnapshotID      string `json:"snapshot_id"`
	SnapshotVersion string `json:"snapshot_version"`
}

// Review is the explanation record of one decision.
type Review struct {
	ReviewID    string               `json:"review_id"`
	Decision    *governance.Decision `json:"decision"`
	Subject     Subject              `json:"repo_info"`
	Timeline    []TimelineEntry      `json:"timeline"`
	Violations  []ViolationDetail    `json:"violations"`
	Integrity   Integrity            `json:"integrity"`
	Override    *override.Details    `json:"override_info,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Service builds reviews.
type Service struct {
	store  governance.Store
	engine *engine.Engine
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a review service. A nil engine uses the default checker
// registry; only its hash function is used.
func NewService(store governance.Store, eng *engine.Engine) *Service {
	if eng == nil {
		eng = engine.New(nil)
	}
	return &Service{
		store:  store,
		engine: eng,
		now:    time.Now,
		logger: slog.Default().With("component", "review"),
	}
}

// WithClock replaces the clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get builds the review of decisionID. All reads share one transaction.
func (s *Service) Get(ctx context.Context, decisionID string) (*Review, error) {
	if strings.TrimSpace(decisionID) == "" {
		return nil, governance.NewValidationError("decision_id", "is required")
	}

	var r *Review
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		d, err := tx.GetDecision(ctx, decisionID)
		if err != nil {
			return err
		}
		snap, err := tx.GetSnapshot(ctx, d.FactID)
		if err != nil {
			return fmt.Errorf("snapshot of decision %s: %w", d.ID, err)
		}

		names, err := policyNames(ctx, tx, d.AppliedPolicies)
		if err != nil {
			return err
		}

		r = &Review{
			ReviewID: reviewID(d.ID),
			Decision: d,
			Subject: Subject{
				Repo:            snap.RepoFullName,
				PRNumber:        snap.PRNumber,
				CommitSHA:       snap.CommitSHA,
				SnapshotID:      snap.ID,
				SnapshotVersion: snap.SnapshotVersion,
			},
			Timeline:    timeline(d, snap),
			Violations:  drillDown(snap.Facts, d.ViolatedPolicies, names),
			Integrity:   s.verify(ctx, tx, d, snap),
			GeneratedAt: s.now().UTC(),
		}

		if d.OverrideID != "" {
			r.Override, err = overrideDetails(ctx, tx, d.OverrideID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("built decision review",
		"decision_id", decisionID,
		"verified", r.Integrity.Verified,
		"violations", len(r.Violations),
	)
	return r, nil
}

// verify recomputes the evaluation hash from the stored snapshot and the
// applied policy versions as they exist in the ledger now.
func (s *Service) verify(ctx context.Context, tx governance.Tx, d *governance.Decision, snap *governance.FactSnapshot) Integrity {
	out := Integrity{StoredHash: d.EvaluationHash, EngineVersion: d.EngineVersion}

	if d.EvaluationHash == "" {
		out.Reason = "no hash stored"
		return out
	}
	if d.EngineVersion != s.engine.Version() {
		out.Reason = fmt.Sprintf("decision was made by engine %s, verifier is %s", d.EngineVersion, s.engine.Version())
		return out
	}

	applied := make([]governance.AppliedPolicy, 0, len(d.AppliedPolicies))
	for _, p := range d.AppliedPolicies {
		v, err := tx.GetPolicyVersion(ctx, p.PolicyVersionID)
		if err != nil {
			out.Reason = fmt.Sprintf("policy version %s: %v", p.PolicyVersionID, err)
			return out
		}
		applied = append(applied, governance.AppliedPolicy{
			PolicyID:        v.PolicyID,
			PolicyVersionID: v.ID,
			Rules:           v.Rules,
		})
	}

	hash, err := s.engine.Hash(snap.Facts, applied)
	if err != nil {
		out.Reason = err.Error()
		return out
	}

	out.CalculatedHash = hash
	out.Verified = hash == d.EvaluationHash
	if !out.Verified {
		out.Reason = "calculated hash differs from stored hash"
	}
	return out
}

func timeline(d *governance.Decision, snap *governance.FactSnapshot) []TimelineEntry {
	resolution := make([]string, 0, len(d.AppliedPolicies))
	for _, p := range d.AppliedPolicies {
		resolution = append(resolution, "policy_version_id:"+p.PolicyVersionID)
	}

	judgment := []string{
		"result:" + string(d.Result),
		"final_status:" + string(d.FinalStatus),
		"evaluation_hash:" + d.EvaluationHash,
	}
	for _, v := range d.ViolatedPolicies {
		judgment = append(judgment, fmt.Sprintf("violation:%s:%s", v.PolicyID, v.Verdict))
	}
	if d.PreviousDecisionID != "" {
		judgment = append(judgment, "supersedes:"+d.PreviousDecisionID)
	}

	return []TimelineEntry{
		{
			Step: StepFactIngestion,
			At:   snap.IngestedAt,
			Evidence: []string{
				"snapshot_id:" + snap.ID,
				"source:" + snap.Facts.Provenance.Source,
				fmt.Sprintf("total_files:%d", snap.Facts.Changes.TotalFiles),
			},
		},
		{Step: StepPolicyResolution, At: d.CreatedAt, Evidence: resolution},
		{Step: StepJudgmentExecution, At: d.CreatedAt, Evidence: judgment},
	}
}

func drillDown(facts governance.Facts, violations []governance.Violation, names map[string]string) []ViolationDetail {
	out := make([]ViolationDetail, 0, len(violations))
	for _, v := range violations {
		detail := ViolationDetail{Violation: v, PolicyName: names[v.PolicyID]}
		if val, ok := FactValue(facts, v.FactPath); ok {
			detail.ActualValue = val
		} else {
			detail.ActualValue = v.Actual
		}
		out = append(out, detail)
	}
	return out
}

// FactValue resolves a dotted path such as "metadata.test_files_changed_count"
// against the JSON form of facts.
func FactValue(facts governance.Facts, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	raw, err := json.Marshal(facts)
	if err != nil {
		return nil, false
	}
	var cur any
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, false
	}

	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func policyNames(ctx context.Context, tx governance.Tx, applied []governance.AppliedPolicy) (map[string]string, error) {
	names := make(map[string]string, len(applied))
	for _, p := range applied {
		if _, seen := names[p.PolicyID]; seen {
			continue
		}
		pol, err := tx.GetPolicy(ctx, p.PolicyID)
		if governance.IsNotFound(err) {
			names[p.PolicyID] = ""
			continue
		}
		if err != nil {
			return nil, err
		}
		names[p.PolicyID] = pol.Name
	}
	return names, nil
}

func overrideDetails(ctx context.Context, tx governance.Tx, id string) (*override.Details, error) {
	o, err := tx.GetOverride(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("override %s: %w", id, err)
	}
	sigs, err := tx.ListSignatures(ctx, id)
	if err != nil {
		return nil, err
	}
	rev, err := tx.GetRevocation(ctx, id)
	if err != nil && !governance.IsNotFound(err) {
		return nil, err
	}
	return &override.Details{Override: o, Signatures: sigs, Revocation: rev}, nil
}

func reviewID(decisionID string) string {
	id := decisionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "REV-" + strings.ToUpper(id)
}
