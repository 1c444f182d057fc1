package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mercator-hq/prgate/pkg/canonical"
	"mercator-hq/prgate/pkg/governance"
)

// Engine evaluates snapshots against resolved policies.
type Engine struct {
	registry *Registry
	version  string
	logger   *slog.Logger
}

// New creates an Engine using registry. A nil registry means DefaultRegistry.
func New(registry *Registry) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{
		registry: registry,
		version:  governance.EngineVersion,
		logger:   slog.Default().With("component", "policy.engine"),
	}
}

// Version returns the engine version stamped on every outcome.
func (e *Engine) Version() string { return e.version }

// Registry returns the checker registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Evaluate runs every applied policy's checker over the snapshot facts.
// Business outcomes (WARN, BLOCK) are never errors; an error means the
// evaluation hash could not be computed.
func (e *Engine) Evaluate(snapshot *governance.FactSnapshot, applied []governance.AppliedPolicy, at time.Time) (*Outcome, error) {
	if snapshot == nil {
		return nil, governance.NewValidationError("snapshot", "snapshot is required")
	}

	e.logger.Debug("starting deterministic evaluation",
		"snapshot_id", snapshot.ID,
		"policy_count", len(applied),
		"engine_version", e.version,
	)

	results := make([]PolicyResult, 0, len(applied))
	violations := []governance.Violation{}

	for _, p := range applied {
		res := pass("Policy satisfied.")
		if checker, ok := e.registry.Lookup(p.Rules.Type); ok {
			res = checker.Check(&snapshot.Facts, p.Rules)
		} else {
			e.logger.Warn("no checker for policy type", "policy_type", p.Rules.Type, "policy_id", p.PolicyID)
		}

		results = append(results, PolicyResult{
			PolicyID:        p.PolicyID,
			PolicyVersionID: p.PolicyVersionID,
			Level:           p.Level,
			Checker:         p.Rules.Type,
			Verdict:         res.Verdict,
			Message:         res.Message,
			FactPath:        res.FactPath,
			Expected:        res.Expected,
			Actual:          res.Actual,
		})

		if res.Verdict != governance.VerdictPass {
			violations = append(violations, governance.Violation{
				PolicyID:        p.PolicyID,
				PolicyVersionID: p.PolicyVersionID,
				Checker:         string(p.Rules.Type),
				Verdict:         res.Verdict,
				FactPath:        res.FactPath,
				Expected:        res.Expected,
				Actual:          res.Actual,
				Message:         res.Message,
			})
		}
	}

	result := Aggregate(results)

	hash, err := e.Hash(snapshot.Facts, applied)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		FactSnapshotID:   snapshot.ID,
		AppliedPolicies:  append([]governance.AppliedPolicy{}, applied...),
		PolicyResults:    results,
		Result:           result,
		Rationale:        Rationale(result, results),
		ViolatedPolicies: violations,
		EvaluationHash:   hash,
		EngineVersion:    e.version,
		EvaluatedAt:      at.UTC(),
	}, nil
}

// Hash computes the evaluation hash of facts under the applied policies.
func (e *Engine) Hash(facts governance.Facts, applied []governance.AppliedPolicy) (string, error) {
	input := HashInput{
		Facts:         facts,
		Policies:      make([]HashPolicy, 0, len(applied)),
		EngineVersion: e.version,
	}
	for _, p := range applied {
		input.Policies = append(input.Policies, HashPolicy{PolicyID: p.PolicyID, Rules: p.Rules})
	}

	digest, err := canonical.Digest(input)
	if err != nil {
		return "", fmt.Errorf("compute evaluation hash: %w", err)
	}
	return digest, nil
}

// Aggregate folds policy results into the overall verdict.
func Aggregate(results []PolicyResult) governance.Verdict {
	var mandatoryBlock, issue bool
	for _, r := range results {
		switch r.Verdict {
		case governance.VerdictBlock:
			issue = true
			if r.Level == governance.LevelMandatory {
				mandatoryBlock = true
			}
		case governance.VerdictWarn:
			issue = true
		}
	}

	switch {
	case mandatoryBlock:
		return governance.VerdictBlock
	case issue:
		return governance.VerdictWarn
	default:
		return governance.VerdictPass
	}
}

// Rationale renders the human-readable explanation of an outcome. Issues are
// listed in policy order.
func Rationale(result governance.Verdict, results []PolicyResult) string {
	if result == governance.VerdictPass {
		return "All policies passed successfully."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Evaluation Result: %s. Issues found:", result)
	for _, r := range results {
		if r.Verdict == governance.VerdictPass {
			continue
		}
		fmt.Fprintf(&b, "\n- [%s] %s", r.Level, r.Message)
	}
	return b.String()
}
