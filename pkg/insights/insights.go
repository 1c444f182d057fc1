// Package insights maintains the derived governance memory: per-policy
// counters fed by decision events and the signals raised from them.
package insights

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/handoff"
)

// LevelAttention is the level of signals that need a human look.
const LevelAttention = "ATTENTION"

// Config tunes signal detection.
type Config struct {
	// BypassThreshold is the number of overrides inside BypassWindow that
	// raises a BYPASS_VELOCITY signal for a repository.
	BypassThreshold int
	BypassWindow    time.Duration
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{BypassThreshold: 5, BypassWindow: 24 * time.Hour}
}

// Tracker consumes decision events.
type Tracker struct {
	store  governance.Store
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(store governance.Store, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.BypassThreshold <= 0 {
		cfg.BypassThreshold = def.BypassThreshold
	}
	if cfg.BypassWindow <= 0 {
		cfg.BypassWindow = def.BypassWindow
	}
	return &Tracker{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "insights"),
	}
}

// WithClock replaces the clock.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// OnDecision implements handoff.Subscriber. Failures are logged; derived
// memory never affects a decision.
func (t *Tracker) OnDecision(ctx context.Context, e handoff.DecisionEvent) {
	if err := t.Record(ctx, e); err != nil {
		t.logger.ErrorContext(ctx, "failed to update governance memory",
			"decision_id", e.Decision.ID,
			"error", err,
		)
	}
}

// Record folds one decision into the counters and checks bypass velocity.
func (t *Tracker) Record(ctx context.Context, e handoff.DecisionEvent) error {
	d := e.Decision
	now := t.now().UTC()

	blocked := make(map[string]bool)
	for _, v := range d.ViolatedPolicies {
		if v.Verdict == governance.VerdictBlock {
			blocked[v.PolicyVersionID] = true
		}
	}
	overridden := d.FinalStatus == governance.StatusOverriddenPass

	return t.store.WithTx(ctx, func(tx governance.Tx) error {
		for _, p := range d.AppliedPolicies {
			delta := governance.MetricDelta{
				PolicyID:    p.PolicyID,
				VersionID:   p.PolicyVersionID,
				Evaluations: 1,
			}
			if blocked[p.PolicyVersionID] {
				delta.Blocks = 1
				if overridden {
					delta.Overrides = 1
				}
			}
			if err := tx.IncrementPolicyMetric(ctx, delta, now); err != nil {
				return fmt.Errorf("increment metric %s/%s: %w", p.PolicyID, p.PolicyVersionID, err)
			}
		}

		if overridden && e.RepoFullName != "" {
			return t.detectBypassVelocity(ctx, tx, e.RepoFullName, now)
		}
		return nil
	})
}

func (t *Tracker) detectBypassVelocity(ctx context.Context, tx governance.Tx, repo string, now time.Time) error {
	since := now.Add(-t.config.BypassWindow)

	count, err := tx.CountOverridesSince(ctx, repo, since)
	if err != nil {
		return err
	}
	if count < t.config.BypassThreshold {
		return nil
	}

	existing, err := tx.ListSignals(ctx, governance.SignalFilter{
		TargetID: repo,
		Type:     governance.SignalBypassVelocity,
		Since:    since,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	sig := &governance.Signal{
		ID:       uuid.NewString(),
		Type:     governance.SignalBypassVelocity,
		TargetID: repo,
		Level:    LevelAttention,
		Metadata: map[string]string{
			"count":  strconv.Itoa(count),
			"window": t.config.BypassWindow.String(),
			"reason": fmt.Sprintf("High frequency of bypasses detected for %s in %s", repo, t.config.BypassWindow),
		},
		CreatedAt: now,
	}
	if err := tx.InsertSignal(ctx, sig); err != nil {
		return err
	}

	t.logger.WarnContext(ctx, "bypass velocity signal raised",
		"repo", repo,
		"override_count", count,
		"window", t.config.BypassWindow,
	)
	return nil
}

// RecordChallenge counts a human challenge of a policy version.
func (t *Tracker) RecordChallenge(ctx context.Context, policyID, versionID string) error {
	if policyID == "" || versionID == "" {
		return governance.NewValidationError("policy_version_id", "policy and version are required")
	}
	return t.store.WithTx(ctx, func(tx governance.Tx) error {
		if _, err := tx.GetPolicyVersion(ctx, versionID); err != nil {
			return err
		}
		return tx.IncrementPolicyMetric(ctx, governance.MetricDelta{
			PolicyID:   policyID,
			VersionID:  versionID,
			Challenges: 1,
		}, t.now().UTC())
	})
}

// Metrics lists the counters of a policy, or of every policy when policyID
// is empty.
func (t *Tracker) Metrics(ctx context.Context, policyID string) ([]*governance.PolicyMetric, error) {
	var out []*governance.PolicyMetric
	err := t.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		out, err = tx.ListPolicyMetrics(ctx, policyID)
		return err
	})
	return out, err
}

// Signals lists raised signals, newest first.
func (t *Tracker) Signals(ctx context.Context, f governance.SignalFilter) ([]*governance.Signal, error) {
	var out []*governance.Signal
	err := t.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		out, err = tx.ListSignals(ctx, f)
		return err
	})
	return out, err
}
