package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/policy/engine"
	"mercator-hq/prgate/pkg/report"
)

// Guard runs inside the recording transaction. Returning an error aborts the
// hand-off and rolls the decision back.
type Guard func(ctx context.Context, tx governance.Tx, d *governance.Decision) error

// Request is one decision to hand off.
type Request struct {
	Outcome  *engine.Outcome
	Snapshot *governance.FactSnapshot

	// OverrideID is a validated override for a BLOCK outcome. It stays bound
	// to the decision it was issued against; the new decision only carries it
	// in the report and the event.
	OverrideID string

	Target             report.Target
	PreviousDecisionID string
	Guard              Guard

	// StartedAt is when the unit of work began, for latency reporting.
	StartedAt time.Time
}

// DecisionRecord is the result of a hand-off.
type DecisionRecord struct {
	Decision *governance.Decision
	Report   report.Report
	// ReportErr is the reporting failure, if any. It never fails the hand-off.
	ReportErr error
}

// Handoff records, reports and announces decisions.
type Handoff struct {
	store    governance.Store
	reporter report.Reporter
	bus      *Bus
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Handoff. A nil bus disables event publication.
func New(store governance.Store, reporter report.Reporter, bus *Bus) *Handoff {
	return &Handoff{
		store:    store,
		reporter: reporter,
		bus:      bus,
		now:      time.Now,
		logger:   slog.Default().With("component", "handoff"),
	}
}

// WithClock replaces the clock used for created_at.
func (h *Handoff) WithClock(now func() time.Time) *Handoff {
	h.now = now
	return h
}

// FinalStatus maps an engine verdict onto the externally visible status.
// Anything unrecognised fails closed.
func FinalStatus(result governance.Verdict, overridden bool) governance.FinalStatus {
	switch result {
	case governance.VerdictPass:
		return governance.StatusSuccess
	case governance.VerdictWarn:
		return governance.StatusNeutral
	case governance.VerdictBlock:
		if overridden {
			return governance.StatusOverriddenPass
		}
		return governance.StatusFailure
	default:
		return governance.StatusFailure
	}
}

// Handoff records the decision, reports it and publishes a DecisionEvent.
// The returned error is non-nil only when the decision was not recorded; in
// that case nothing was reported.
func (h *Handoff) Handoff(ctx context.Context, req Request) (*DecisionRecord, error) {
	if req.Outcome == nil {
		return nil, governance.NewValidationError("outcome", "outcome is required")
	}
	if req.Snapshot == nil {
		return nil, governance.NewValidationError("snapshot", "snapshot is required")
	}

	out := req.Outcome
	overridden := req.OverrideID != "" && out.Result == governance.VerdictBlock
	now := h.now().UTC()

	d := &governance.Decision{
		ID:                 uuid.NewString(),
		PolicyVersionID:    out.PrimaryPolicyVersionID(),
		FactID:             req.Snapshot.ID,
		Result:             out.Result,
		FinalStatus:        FinalStatus(out.Result, overridden),
		Rationale:          out.Rationale,
		EvaluationHash:     out.EvaluationHash,
		EngineVersion:      out.EngineVersion,
		AppliedPolicies:    out.AppliedPolicies,
		ViolatedPolicies:   out.ViolatedPolicies,
		PreviousDecisionID: req.PreviousDecisionID,
		CreatedAt:          now,
	}

	err := h.store.WithTx(ctx, func(tx governance.Tx) error {
		if req.Guard != nil {
			if err := req.Guard(ctx, tx, d); err != nil {
				return err
			}
		}
		return tx.InsertDecision(ctx, d)
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to record decision",
			"fact_id", d.FactID,
			"commit_sha", req.Snapshot.CommitSHA,
			"error", err,
		)
		return nil, fmt.Errorf("record decision: %w", err)
	}

	h.logger.InfoContext(ctx, "decision recorded",
		"decision_id", d.ID,
		"fact_id", d.FactID,
		"result", d.Result,
		"final_status", d.FinalStatus,
		"evaluation_hash", d.EvaluationHash,
	)

	rec := &DecisionRecord{Decision: d, Report: report.FromDecision(d)}
	if overridden {
		rec.Report.OverrideID = req.OverrideID
	}
	rec.ReportErr = h.report(ctx, req.Target, rec.Report)

	if h.bus != nil {
		var dur time.Duration
		if !req.StartedAt.IsZero() {
			dur = now.Sub(req.StartedAt)
		}
		overrideID := ""
		if overridden {
			overrideID = req.OverrideID
		}
		h.bus.Publish(ctx, DecisionEvent{
			Decision:     d,
			RepoFullName: req.Snapshot.RepoFullName,
			PRNumber:     req.Snapshot.PRNumber,
			OverrideID:   overrideID,
			Duration:     dur,
			RecordedAt:   now,
		})
	}

	return rec, nil
}

// Republish reports a recorded decision again without re-evaluating it. An
// OVERRIDDEN_PASS decision reports the override bound to the decision it
// superseded.
func (h *Handoff) Republish(ctx context.Context, decisionID string, target report.Target) error {
	var rep report.Report
	err := h.store.WithTx(ctx, func(tx governance.Tx) error {
		d, err := tx.GetDecision(ctx, decisionID)
		if err != nil {
			return err
		}
		rep = report.FromDecision(d)
		if d.FinalStatus == governance.StatusOverriddenPass && d.OverrideID == "" && d.PreviousDecisionID != "" {
			prev, err := tx.GetDecision(ctx, d.PreviousDecisionID)
			if err != nil {
				return err
			}
			rep.OverrideID = prev.OverrideID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load decision %s: %w", decisionID, err)
	}
	return h.report(ctx, target, rep)
}

func (h *Handoff) report(ctx context.Context, target report.Target, rep report.Report) error {
	if h.reporter == nil {
		return nil
	}
	if err := h.reporter.Report(ctx, target, rep); err != nil {
		h.logger.WarnContext(ctx, "failed to report decision",
			"decision_id", rep.DecisionID,
			"repo", target.RepoFullName(),
			"head_sha", target.HeadSHA,
			"error", err,
		)
		return err
	}
	return nil
}
