package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/facts"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/handoff"
	"mercator-hq/prgate/pkg/override"
	"mercator-hq/prgate/pkg/policy/engine"
	"mercator-hq/prgate/pkg/policy/resolver"
	"mercator-hq/prgate/pkg/report"
	"mercator-hq/prgate/pkg/telemetry/logging"
	"mercator-hq/prgate/pkg/telemetry/metrics"
	"mercator-hq/prgate/pkg/telemetry/tracing"
)

// Outcome labels, also used as metric label values.
const (
	OutcomeDecided     = "decided"
	OutcomeReplayed    = "replayed"
	OutcomeConverged   = "converged"
	OutcomeRace        = "race"
	OutcomeRetry       = "retry"
	OutcomeInvalid     = "invalid"
	OutcomeSystemError = "system_error"
)

// RaceMessage is the summary reported when the rules changed mid-evaluation.
const RaceMessage = "policy version changed during evaluation, re-run required"

// ErrStillPending is returned when another worker owns a unit and did not
// finish within the converge timeout. It is retryable.
var ErrStillPending = errors.New("work unit still pending")

// errAlreadyFinal aborts a hand-off whose unit was finalized by someone else.
var errAlreadyFinal = errors.New("work unit already final")

// Retryable reports whether err should send the event back to the queue.
func Retryable(err error) bool {
	return governance.Classify(err) == governance.KindUpstreamFetch || errors.Is(err, ErrStillPending)
}

// Result describes how one event was handled.
type Result struct {
	Key         governance.ScopeKey
	Outcome     string
	DecisionID  string
	FinalStatus governance.FinalStatus
}

// Config tunes the orchestrator.
type Config struct {
	StuckAfter      time.Duration
	ConvergeTimeout time.Duration
	PollInterval    time.Duration
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		StuckAfter:      10 * time.Minute,
		ConvergeTimeout: 30 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// ConfigFrom maps the pipeline configuration section.
func ConfigFrom(c config.PipelineConfig) Config {
	out := DefaultConfig()
	if c.StuckAfter > 0 {
		out.StuckAfter = c.StuckAfter
	}
	if c.ConvergeTimeout > 0 {
		out.ConvergeTimeout = c.ConvergeTimeout
	}
	if c.PollInterval > 0 {
		out.PollInterval = c.PollInterval
	}
	return out
}

// Deps are the collaborators of an Orchestrator. Metrics and Tracer are
// optional.
type Deps struct {
	Store     governance.Store
	Ingestor  *facts.Ingestor
	Resolver  *resolver.Resolver
	Engine    *engine.Engine
	Overrides *override.Service
	Handoff   *handoff.Handoff
	Reporter  report.Reporter
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
}

// Orchestrator processes events idempotently per unit of work.
type Orchestrator struct {
	Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case deps.Ingestor == nil:
		return nil, fmt.Errorf("pipeline: ingestor is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("pipeline: resolver is required")
	case deps.Overrides == nil:
		return nil, fmt.Errorf("pipeline: override service is required")
	case deps.Handoff == nil:
		return nil, fmt.Errorf("pipeline: handoff is required")
	}
	if deps.Engine == nil {
		deps.Engine = engine.New(nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Orchestrator{
		Deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "pipeline"),
	}, nil
}

// WithClock replaces the clock used for stuck detection and timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Process handles one event. Retryable errors (see Retryable) leave the
// unit claimable; every other error has already been reported.
func (o *Orchestrator) Process(ctx context.Context, e governance.Event) (*Result, error) {
	if err := e.Validate(); err != nil {
		o.Metrics.RecordWorkUnit(OutcomeInvalid, 0)
		return nil, err
	}
	if e.DeliveryID == "" {
		e.DeliveryID = uuid.NewString()
	}

	start := o.now()
	ctx = logging.WithDeliveryID(ctx, e.DeliveryID)
	ctx = logging.WithWorkUnit(ctx, e.RepoFullName(), e.HeadSHA)
	ctx, span := o.Tracer.Start(ctx, "pipeline.process")
	defer span.End()
	tracing.SetWorkUnitAttributes(span, e.RepoFullName(), e.HeadSHA, e.PRNumber, e.DeliveryID)

	res, err := o.process(ctx, e, start)

	outcome := OutcomeSystemError
	switch {
	case err != nil && Retryable(err):
		outcome = OutcomeRetry
	case res != nil:
		outcome = res.Outcome
	}
	o.Metrics.RecordWorkUnit(outcome, o.now().Sub(start))
	tracing.AddEvent(span, "pipeline.outcome", attribute.String(tracing.AttrOutcome, outcome))
	if res != nil && res.DecisionID != "" {
		span.SetAttributes(
			attribute.String(tracing.AttrDecisionID, res.DecisionID),
			attribute.String(tracing.AttrFinalStatus, string(res.FinalStatus)),
		)
	}
	if err != nil {
		tracing.SetError(span, err)
	}
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, e governance.Event, start time.Time) (*Result, error) {
	target := report.TargetFromEvent(e)

	unit, created, err := o.claim(ctx, e)
	if err != nil {
		return o.failClosed(ctx, e.Key(), target, fmt.Errorf("claim work unit: %w", err))
	}

	if !created {
		switch {
		case unit.State == governance.WorkFinal && e.OverrideID != "":
			return o.retrigger(ctx, e, unit, target, start)
		case unit.State == governance.WorkFinal:
			return o.replay(ctx, unit, target, OutcomeReplayed)
		case unit.Payload.DeliveryID == e.DeliveryID:
			o.logger.DebugContext(ctx, "resuming own work unit", "unit_id", unit.ID)
			if unit, err = o.refresh(ctx, unit); err != nil {
				return o.failClosed(ctx, e.Key(), target, fmt.Errorf("refresh work unit: %w", err))
			}
			if unit.State == governance.WorkFinal {
				return o.replay(ctx, unit, target, OutcomeReplayed)
			}
		default:
			owned, res, err := o.converge(ctx, unit, target)
			if owned == nil {
				return res, err
			}
			unit = owned
		}
	}

	return o.run(ctx, e, unit, target, start)
}

// claim inserts the PENDING placeholder or returns the existing unit.
func (o *Orchestrator) claim(ctx context.Context, e governance.Event) (*governance.WorkUnit, bool, error) {
	now := o.now().UTC()
	var (
		unit    *governance.WorkUnit
		created bool
	)
	err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
		rev, err := tx.RulesRevision(ctx)
		if err != nil {
			return err
		}
		unit, created, err = tx.ClaimWorkUnit(ctx, &governance.WorkUnit{
			ID:            uuid.NewString(),
			RepoFullName:  e.RepoFullName(),
			CommitSHA:     e.HeadSHA,
			PRNumber:      e.PRNumber,
			State:         governance.WorkPending,
			RulesRevision: rev,
			Payload:       e,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		o.logger.InfoContext(ctx, "claimed work unit", "unit_id", unit.ID, "rules_revision", unit.RulesRevision)
	}
	return unit, created, nil
}

// converge waits for the owner of a PENDING unit. It returns the unit when
// this worker took it over, or the result of replaying the owner's verdict.
func (o *Orchestrator) converge(ctx context.Context, unit *governance.WorkUnit, target report.Target) (*governance.WorkUnit, *Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ConvergeTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	key := unit.Key()
	for {
		var (
			cur       *governance.WorkUnit
			adopted   bool
			retried   bool
			exhausted bool
		)
		err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
			var err error
			cur, err = tx.GetWorkUnit(ctx, key)
			if err != nil || cur.State != governance.WorkPending {
				return err
			}

			if o.now().Sub(cur.UpdatedAt) >= o.cfg.StuckAfter {
				if retried, err = tx.ClaimRetry(ctx, cur.ID, o.now().UTC()); err != nil || retried {
					return err
				}
				exhausted = true
				return nil
			}

			rev, err := tx.RulesRevision(ctx)
			if err != nil {
				return err
			}
			if rev != cur.RulesRevision {
				adopted, err = tx.AdoptWorkUnit(ctx, cur.ID, cur.RulesRevision, o.now().UTC())
			}
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("poll work unit %s: %w", key, err)
		}

		switch {
		case cur.State == governance.WorkFinal:
			res, err := o.replay(ctx, cur, target, OutcomeConverged)
			return nil, res, err
		case exhausted:
			res, err := o.failClosed(ctx, key, target, &governance.UnclassifiedError{
				Op:    "recover work unit " + key.String(),
				Cause: fmt.Errorf("still pending after its retry (attempts %d)", cur.Attempts),
			})
			return nil, res, err
		case retried || adopted:
			owned, err := o.reload(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			o.logger.InfoContext(ctx, "took over pending work unit",
				"unit_id", owned.ID,
				"stuck_retry", retried,
				"rules_revision", owned.RulesRevision,
			)
			return owned, nil, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("%w: %s", ErrStillPending, key)
		case <-ticker.C:
		}
	}
}

// refresh moves a PENDING unit left behind by a rules race onto the current
// rules revision so a redelivery of the same event can decide it.
func (o *Orchestrator) refresh(ctx context.Context, unit *governance.WorkUnit) (*governance.WorkUnit, error) {
	var adopted bool
	err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
		rev, err := tx.RulesRevision(ctx)
		if err != nil || rev == unit.RulesRevision {
			return err
		}
		adopted, err = tx.AdoptWorkUnit(ctx, unit.ID, unit.RulesRevision, o.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	if !adopted {
		return unit, nil
	}
	owned, err := o.reload(ctx, unit.Key())
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "adopted work unit onto current rules",
		"unit_id", owned.ID,
		"rules_revision", owned.RulesRevision,
	)
	return owned, nil
}

func (o *Orchestrator) reload(ctx context.Context, key governance.ScopeKey) (*governance.WorkUnit, error) {
	var unit *governance.WorkUnit
	err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		unit, err = tx.GetWorkUnit(ctx, key)
		return err
	})
	return unit, err
}

// run is the owner path: ingest, resolve, evaluate, hand off.
func (o *Orchestrator) run(ctx context.Context, e governance.Event, unit *governance.WorkUnit, target report.Target, start time.Time) (*Result, error) {
	key := unit.Key()
	o.publish(ctx, target, report.Pending())

	if n, err := o.Overrides.InvalidateForNewRevision(ctx, key.Repo, e.PRNumber, e.HeadSHA); err != nil {
		o.logger.WarnContext(ctx, "failed to expire overrides of superseded revisions", "error", err)
	} else if n > 0 {
		o.Metrics.RecordOverrides("expired", n)
	}

	snap, err := o.Ingestor.Ingest(ctx, key, facts.RefFromEvent(e))
	if err != nil {
		if governance.Classify(err) == governance.KindUpstreamFetch {
			o.logger.WarnContext(ctx, "fact ingestion failed, will retry", "error", err)
			return nil, err
		}
		return o.failClosed(ctx, key, target, err)
	}

	outcome, err := o.evaluate(ctx, e, snap)
	if err != nil {
		return o.failClosed(ctx, key, target, err)
	}

	overrideID, previousID, err := o.attachedOverride(ctx, e, snap, outcome)
	if err != nil {
		return o.failClosed(ctx, key, target, err)
	}

	rec, err := o.Handoff.Handoff(ctx, handoff.Request{
		Outcome:            outcome,
		Snapshot:           snap,
		OverrideID:         overrideID,
		Target:             target,
		PreviousDecisionID: previousID,
		Guard:              finalizeGuard(unit),
		StartedAt:          start,
	})

	var race *governance.RaceConditionError
	switch {
	case errors.Is(err, errAlreadyFinal):
		return o.replayKey(ctx, key, target)
	case errors.As(err, &race):
		return o.reportRace(ctx, key, target, race)
	case err != nil:
		return o.failClosed(ctx, key, target, err)
	}

	return &Result{
		Key:         key,
		Outcome:     OutcomeDecided,
		DecisionID:  rec.Decision.ID,
		FinalStatus: rec.Decision.FinalStatus,
	}, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, e governance.Event, snap *governance.FactSnapshot) (*engine.Outcome, error) {
	paths := make([]string, 0, len(snap.Facts.Changes.Files))
	for _, f := range snap.Facts.Changes.Files {
		paths = append(paths, f.Path)
	}

	applied, err := o.Resolver.Resolve(ctx, resolver.Request{
		OrgID:        e.Owner,
		RepoID:       snap.RepoFullName,
		ChangedPaths: paths,
		At:           snap.IngestedAt,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := o.Engine.Evaluate(snap, applied, o.now())
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "evaluated snapshot",
		"snapshot_id", snap.ID,
		"policies", len(applied),
		"result", outcome.Result,
		"evaluation_hash", outcome.EvaluationHash,
	)
	return outcome, nil
}

// attachedOverride returns the override to apply to a BLOCK outcome, taken
// from the event or from the latest decision on the snapshot, together with
// that decision's id.
func (o *Orchestrator) attachedOverride(ctx context.Context, e governance.Event, snap *governance.FactSnapshot, outcome *engine.Outcome) (string, string, error) {
	var previous *governance.Decision
	err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
		d, err := tx.LatestDecisionForFact(ctx, snap.ID)
		if err != nil && !governance.IsNotFound(err) {
			return err
		}
		previous = d
		return nil
	})
	if err != nil {
		return "", "", err
	}

	previousID := ""
	candidate := e.OverrideID
	if previous != nil {
		previousID = previous.ID
		if candidate == "" {
			candidate = previous.OverrideID
		}
	}
	if candidate == "" || outcome.Result != governance.VerdictBlock {
		return "", previousID, nil
	}

	if !o.overrideValid(ctx, candidate, snap.CommitSHA, outcome.EvaluationHash) {
		return "", previousID, nil
	}
	return candidate, previousID, nil
}

// overrideValid fails closed: any error means the override does not apply.
func (o *Orchestrator) overrideValid(ctx context.Context, overrideID, sha, hash string) bool {
	ok, err := o.Overrides.IsValid(ctx, overrideID, override.Check{CurrentSHA: sha, CurrentHash: hash})
	if err != nil {
		o.logger.WarnContext(ctx, "override not applied", "override_id", overrideID, "error", err)
		return false
	}
	if !ok {
		o.logger.InfoContext(ctx, "override no longer valid", "override_id", overrideID)
	}
	return ok
}

// retrigger re-evaluates a FINAL blocking unit with an override attached and
// records a superseding decision.
func (o *Orchestrator) retrigger(ctx context.Context, e governance.Event, unit *governance.WorkUnit, target report.Target, start time.Time) (*Result, error) {
	key := unit.Key()

	var (
		snap *governance.FactSnapshot
		prev *governance.Decision
	)
	err := o.Store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		if snap, err = tx.GetSnapshotByKey(ctx, key); err != nil {
			return err
		}
		prev, err = tx.GetDecision(ctx, unit.DecisionID)
		return err
	})
	if err != nil {
		return o.failClosed(ctx, key, target, fmt.Errorf("load final unit: %w", err))
	}

	if prev.FinalStatus != governance.StatusFailure {
		o.logger.InfoContext(ctx, "override ignored, verdict is not blocking",
			"override_id", e.OverrideID,
			"decision_id", prev.ID,
			"final_status", prev.FinalStatus,
		)
		return o.replay(ctx, unit, target, OutcomeReplayed)
	}

	outcome, err := o.evaluate(ctx, e, snap)
	if err != nil {
		return o.failClosed(ctx, key, target, err)
	}
	if outcome.Result != governance.VerdictBlock || !o.overrideValid(ctx, e.OverrideID, snap.CommitSHA, outcome.EvaluationHash) {
		return o.replay(ctx, unit, target, OutcomeReplayed)
	}

	rec, err := o.Handoff.Handoff(ctx, handoff.Request{
		Outcome:            outcome,
		Snapshot:           snap,
		OverrideID:         e.OverrideID,
		Target:             target,
		PreviousDecisionID: prev.ID,
		Guard:              supersedeGuard(unit.ID, prev.ID),
		StartedAt:          start,
	})
	switch {
	case errors.Is(err, errAlreadyFinal):
		return o.replayKey(ctx, key, target)
	case err != nil:
		return o.failClosed(ctx, key, target, err)
	}

	o.logger.InfoContext(ctx, "override applied",
		"override_id", e.OverrideID,
		"decision_id", rec.Decision.ID,
		"previous_decision_id", prev.ID,
	)
	return &Result{
		Key:         key,
		Outcome:     OutcomeDecided,
		DecisionID:  rec.Decision.ID,
		FinalStatus: rec.Decision.FinalStatus,
	}, nil
}

// finalizeGuard performs the optimistic PENDING -> FINAL write inside the
// decision transaction.
func finalizeGuard(unit *governance.WorkUnit) handoff.Guard {
	return func(ctx context.Context, tx governance.Tx, d *governance.Decision) error {
		ok, err := tx.FinalizeWorkUnit(ctx, governance.FinalizeParams{
			ID:            unit.ID,
			RulesRevision: unit.RulesRevision,
			DecisionID:    d.ID,
			Result:        d.Result,
			FinalStatus:   d.FinalStatus,
			Rationale:     d.Rationale,
			At:            d.CreatedAt,
		})
		if err != nil || ok {
			return err
		}

		cur, err := tx.GetWorkUnit(ctx, unit.Key())
		if err != nil {
			return err
		}
		if cur.State == governance.WorkFinal {
			return errAlreadyFinal
		}
		return &governance.RaceConditionError{Key: unit.Key(), ExpectedRevision: unit.RulesRevision}
	}
}

func supersedeGuard(unitID, previousDecisionID string) handoff.Guard {
	return func(ctx context.Context, tx governance.Tx, d *governance.Decision) error {
		ok, err := tx.SupersedeWorkUnit(ctx, previousDecisionID, governance.FinalizeParams{
			ID:          unitID,
			DecisionID:  d.ID,
			Result:      d.Result,
			FinalStatus: d.FinalStatus,
			Rationale:   d.Rationale,
			At:          d.CreatedAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyFinal
		}
		return nil
	}
}

// replay re-reports the stored verdict of a FINAL unit.
func (o *Orchestrator) replay(ctx context.Context, unit *governance.WorkUnit, target report.Target, outcome string) (*Result, error) {
	if err := o.Handoff.Republish(ctx, unit.DecisionID, target); err != nil {
		if governance.IsNotFound(err) {
			return o.failClosed(ctx, unit.Key(), target, err)
		}
		o.logger.WarnContext(ctx, "failed to replay verdict", "decision_id", unit.DecisionID, "error", err)
	}
	o.logger.InfoContext(ctx, "reported stored verdict",
		"decision_id", unit.DecisionID,
		"final_status", unit.FinalStatus,
		"outcome", outcome,
	)
	return &Result{
		Key:         unit.Key(),
		Outcome:     outcome,
		DecisionID:  unit.DecisionID,
		FinalStatus: unit.FinalStatus,
	}, nil
}

func (o *Orchestrator) replayKey(ctx context.Context, key governance.ScopeKey, target report.Target) (*Result, error) {
	unit, err := o.reload(ctx, key)
	if err != nil {
		return o.failClosed(ctx, key, target, err)
	}
	return o.replay(ctx, unit, target, OutcomeConverged)
}

// reportRace reports the rules change unless a concurrent worker already
// finalized the unit, in which case its verdict wins.
func (o *Orchestrator) reportRace(ctx context.Context, key governance.ScopeKey, target report.Target, race *governance.RaceConditionError) (*Result, error) {
	if unit, err := o.reload(ctx, key); err == nil && unit.State == governance.WorkFinal {
		return o.replay(ctx, unit, target, OutcomeConverged)
	}

	o.logger.WarnContext(ctx, "rules changed during evaluation", "expected_revision", race.ExpectedRevision)
	o.publish(ctx, target, report.Report{
		Status:  governance.StatusNeutral,
		Result:  governance.VerdictWarn,
		Summary: RaceMessage,
	})
	return &Result{Key: key, Outcome: OutcomeRace, FinalStatus: governance.StatusNeutral}, nil
}

// failClosed reports a blocking system error. The returned error is always
// classified; the unit stays PENDING for the single permitted retry.
func (o *Orchestrator) failClosed(ctx context.Context, key governance.ScopeKey, target report.Target, err error) (*Result, error) {
	if governance.Classify(err) == governance.KindUnclassified {
		var unclassified *governance.UnclassifiedError
		if !errors.As(err, &unclassified) {
			err = &governance.UnclassifiedError{Op: "process " + key.String(), Cause: err}
		}
	}

	o.logger.ErrorContext(ctx, "processing failed closed", "error_kind", governance.Classify(err), "error", err)
	o.publish(ctx, target, report.Report{
		Status:  governance.StatusSystemError,
		Result:  governance.VerdictBlock,
		Summary: fmt.Sprintf("Evaluation could not complete (%s). The change is blocked until it is re-run.", governance.Classify(err)),
	})
	return &Result{Key: key, Outcome: OutcomeSystemError, FinalStatus: governance.StatusSystemError}, err
}

// publish reports outside the decision path. Failures are logged only.
func (o *Orchestrator) publish(ctx context.Context, target report.Target, rep report.Report) {
	if o.Reporter == nil {
		return
	}
	if err := o.Reporter.Report(ctx, target, rep); err != nil {
		o.logger.WarnContext(ctx, "failed to publish status", "status", rep.Status, "error", err)
	}
}
