package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mercator-hq/prgate/pkg/canonical"
	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/policy/catalog"
	"mercator-hq/prgate/pkg/policy/engine"
	"mercator-hq/prgate/pkg/telemetry/metrics"
)

// DraftVersionID marks the draft policy in simulated evaluations.
const DraftVersionID = "DRAFT"

// Friction labels.
const (
	FrictionLow  = "LOW"
	FrictionHigh = "HIGH"
)

// Impact labels.
const (
	ChangeNewlyBlocked = "PASS -> BLOCK"
	ChangeNewlyPassed  = "BLOCK -> PASS"
)

// riskWindow is how many candidates per requested snapshot RISK_BASED ranks.
const riskWindow = 4

// Request describes one simulation run.
type Request struct {
	PolicyID   string                    `json:"policy_id"`
	DraftRules governance.RulesLogic     `json:"draft_rules"`
	Strategy   governance.SampleStrategy `json:"sample_strategy"`
	SampleSize int                       `json:"sample_size"`
	CreatedBy  string                    `json:"created_by"`
}

// Service runs and promotes simulations.
type Service struct {
	store   governance.Store
	catalog *catalog.Service
	engine  *engine.Engine
	config  config.SimulationConfig
	metrics *metrics.Collector
	workers int
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a Service. A nil engine uses the default registry; the
// collector may be nil.
func NewService(store governance.Store, cat *catalog.Service, eng *engine.Engine, cfg config.SimulationConfig, collector *metrics.Collector) *Service {
	if eng == nil {
		eng = engine.New(nil)
	}
	if cfg.MaxSampleSize <= 0 {
		cfg.MaxSampleSize = config.DefaultMaxSampleSize
	}
	if cfg.FrictionThreshold <= 0 {
		cfg.FrictionThreshold = config.DefaultFrictionThreshold
	}
	if cfg.ImpactedLimit <= 0 {
		cfg.ImpactedLimit = config.DefaultImpactedLimit
	}
	return &Service{
		store:   store,
		catalog: cat,
		engine:  eng,
		config:  cfg,
		metrics: collector,
		workers: 8,
		now:     time.Now,
		logger:  slog.Default().With("component", "simulation"),
	}
}

// WithClock replaces the clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run samples snapshots, replays the draft rules and stores the result. The
// record is created RUNNING and ends COMPLETED or FAILED.
func (s *Service) Run(ctx context.Context, req Request) (*governance.PolicySimulation, error) {
	start := s.now()
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var (
		policy    *governance.Policy
		snapshots []*governance.FactSnapshot
	)
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		if policy, err = tx.GetPolicy(ctx, req.PolicyID); err != nil {
			return err
		}
		snapshots, err = s.sample(ctx, tx, policy, req.Strategy, req.SampleSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, governance.NewValidationError("sample", "no historical snapshots found for simulation")
	}

	ids := make([]string, len(snapshots))
	for i, snap := range snapshots {
		ids[i] = snap.ID
	}
	hash, err := Hash(req.DraftRules, ids, s.engine.Version())
	if err != nil {
		return nil, err
	}

	sim := &governance.PolicySimulation{
		ID:             uuid.NewString(),
		SimulationHash: hash,
		PolicyID:       policy.ID,
		DraftRules:     req.DraftRules,
		EngineVersion:  s.engine.Version(),
		Strategy:       req.Strategy,
		SampleSize:     len(snapshots),
		Status:         governance.SimulationRunning,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		return tx.InsertSimulation(ctx, sim)
	}); err != nil {
		return nil, fmt.Errorf("create simulation: %w", err)
	}

	s.logger.Info("starting simulation",
		"simulation_id", sim.ID,
		"policy_id", sim.PolicyID,
		"strategy", sim.Strategy,
		"sample_size", sim.SampleSize,
	)

	results, runErr := s.execute(ctx, policy, req.DraftRules, snapshots)
	if runErr != nil {
		sim.Status = governance.SimulationFailed
		sim.Error = runErr.Error()
	} else {
		sim.Status = governance.SimulationCompleted
		sim.Results = results
	}
	if err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		return tx.UpdateSimulation(ctx, sim)
	}); err != nil {
		return nil, fmt.Errorf("update simulation %s: %w", sim.ID, err)
	}

	friction := ""
	if results != nil {
		friction = results.Summary.FrictionIndex
	}
	s.metrics.RecordSimulation(string(sim.Status), friction, s.now().Sub(start))

	if runErr != nil {
		s.logger.Error("simulation failed", "simulation_id", sim.ID, "error", runErr)
		return sim, runErr
	}
	s.logger.Info("simulation completed",
		"simulation_id", sim.ID,
		"newly_blocked", results.Summary.NewlyBlockedCount,
		"newly_passed", results.Summary.NewlyPassedCount,
		"friction_index", friction,
	)
	return sim, nil
}

func (s *Service) validate(req Request) error {
	if req.PolicyID == "" {
		return governance.NewValidationError("policy_id", "policy id is required")
	}
	if !req.Strategy.Valid() {
		return governance.NewValidationError("sample_strategy", fmt.Sprintf("unknown strategy %q", req.Strategy))
	}
	if req.SampleSize <= 0 || req.SampleSize > s.config.MaxSampleSize {
		return governance.NewValidationError("sample_size", fmt.Sprintf("must be between 1 and %d", s.config.MaxSampleSize))
	}
	if req.CreatedBy == "" {
		return governance.NewValidationError("created_by", "actor is required")
	}
	return req.DraftRules.Validate()
}

// sample selects the snapshots for a strategy, newest first.
func (s *Service) sample(ctx context.Context, tx governance.Tx, policy *governance.Policy, strategy governance.SampleStrategy, size int) ([]*governance.FactSnapshot, error) {
	switch strategy {
	case governance.SampleRepoBased:
		f := governance.SnapshotFilter{Limit: size}
		if policy.Scope == governance.ScopeRepo {
			f.Repos = []string{policy.TargetID}
		} else {
			f.RepoPrefix = policy.TargetID + "/"
		}
		return tx.ListSnapshots(ctx, f)

	case governance.SampleRiskBased:
		candidates, err := tx.ListSnapshots(ctx, governance.SnapshotFilter{Limit: size * riskWindow})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return churn(candidates[i]) > churn(candidates[j])
		})
		if len(candidates) > size {
			candidates = candidates[:size]
		}
		return candidates, nil

	default:
		return tx.ListSnapshots(ctx, governance.SnapshotFilter{Limit: size})
	}
}

func churn(s *governance.FactSnapshot) int {
	return s.Facts.Changes.Additions + s.Facts.Changes.Deletions
}

type replay struct {
	historical governance.Verdict
	outcome    *engine.Outcome
}

// execute evaluates every snapshot concurrently and folds the comparisons in
// sample order.
func (s *Service) execute(ctx context.Context, policy *governance.Policy, rules governance.RulesLogic, snapshots []*governance.FactSnapshot) (*governance.SimulationResults, error) {
	draft := []governance.AppliedPolicy{{
		PolicyID:        policy.ID,
		PolicyVersionID: DraftVersionID,
		Scope:           policy.Scope,
		Level:           governance.LevelMandatory,
		Rules:           rules,
		Reason:          "Simulation Run",
	}}

	replays := make([]replay, len(snapshots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, snap := range snapshots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			historical, err := s.historical(gctx, snap.ID)
			if err != nil {
				return err
			}
			out, err := s.engine.Evaluate(snap, draft, snap.IngestedAt)
			if err != nil {
				return fmt.Errorf("evaluate snapshot %s: %w", snap.ID, err)
			}
			replays[i] = replay{historical: historical, outcome: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := &governance.SimulationResults{ImpactedPRs: []governance.ImpactedPR{}}
	sum := &results.Summary
	for i, r := range replays {
		snap := snapshots[i]
		switch {
		case r.historical == governance.VerdictPass && r.outcome.Result == governance.VerdictBlock:
			sum.NewlyBlockedCount++
			if len(results.ImpactedPRs) < s.config.ImpactedLimit {
				results.ImpactedPRs = append(results.ImpactedPRs, governance.ImpactedPR{
					SnapshotID: snap.ID,
					PRNumber:   snap.PRNumber,
					Repo:       snap.RepoFullName,
					Change:     ChangeNewlyBlocked,
					Rationale:  r.outcome.Rationale,
				})
			}
		case r.historical == governance.VerdictBlock && r.outcome.Result == governance.VerdictPass:
			sum.NewlyPassedCount++
		default:
			sum.ConsistentCount++
		}
	}

	sum.TotalSnapshots = len(snapshots)
	change := float64(sum.NewlyBlockedCount-sum.NewlyPassedCount) / float64(sum.TotalSnapshots) * 100
	sum.FailRateChange = fmt.Sprintf("%.2f%%", change)
	sum.FrictionIndex = Friction(change, s.config.FrictionThreshold)
	return results, nil
}

// historical returns the verdict of the latest decision on a snapshot, or
// the empty verdict when it was never decided.
func (s *Service) historical(ctx context.Context, snapshotID string) (governance.Verdict, error) {
	var v governance.Verdict
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		d, err := tx.LatestDecisionForFact(ctx, snapshotID)
		if governance.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		v = d.Result
		return nil
	})
	return v, err
}

// Friction is HIGH when the fail rate change exceeds threshold.
func Friction(failRateChange, threshold float64) string {
	if failRateChange > threshold {
		return FrictionHigh
	}
	return FrictionLow
}

// Hash is the deterministic identity of a simulation input.
func Hash(rules governance.RulesLogic, snapshotIDs []string, engineVersion string) (string, error) {
	ids := append([]string(nil), snapshotIDs...)
	sort.Strings(ids)
	digest, err := canonical.Digest(map[string]any{
		"rules":     rules,
		"snapshots": ids,
		"engine":    engineVersion,
	})
	if err != nil {
		return "", fmt.Errorf("compute simulation hash: %w", err)
	}
	return digest, nil
}

// Get returns a stored simulation.
func (s *Service) Get(ctx context.Context, id string) (*governance.PolicySimulation, error) {
	var sim *governance.PolicySimulation
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		sim, err = tx.GetSimulation(ctx, id)
		return err
	})
	return sim, err
}

// Promote turns a completed simulation's draft into the next MANDATORY
// version of its policy. HIGH friction drafts need acknowledgeHighFriction.
func (s *Service) Promote(ctx context.Context, simulationID, adminID string, acknowledgeHighFriction bool) (*governance.PolicyVersion, error) {
	if adminID == "" {
		return nil, governance.NewValidationError("admin_id", "admin identity is required")
	}

	var (
		version  *governance.PolicyVersion
		friction string
	)
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		sim, err := tx.GetSimulation(ctx, simulationID)
		if err != nil {
			return err
		}
		if sim.Status != governance.SimulationCompleted || sim.Results == nil {
			return governance.NewIntegrityError(governance.ReasonStateConflict,
				fmt.Sprintf("simulation %s is %s, only COMPLETED simulations can be promoted", sim.ID, sim.Status))
		}
		if sim.PromotedVersionID != "" {
			return governance.NewIntegrityError(governance.ReasonStateConflict,
				fmt.Sprintf("simulation %s was already promoted to %s", sim.ID, sim.PromotedVersionID))
		}
		friction = sim.Results.Summary.FrictionIndex
		if friction == FrictionHigh && !acknowledgeHighFriction {
			return governance.NewValidationError("acknowledge_high_friction",
				fmt.Sprintf("simulation %s has HIGH friction (%s); acknowledgement required", sim.ID, sim.Results.Summary.FailRateChange))
		}

		version, err = s.catalog.CreateVersionInTx(ctx, tx, catalog.CreateVersionRequest{
			PolicyID:         sim.PolicyID,
			EnforcementLevel: governance.LevelMandatory,
			Rules:            sim.DraftRules,
			Description:      "Promoted from simulation " + sim.ID,
			CreatedBy:        adminID,
		})
		if err != nil {
			return err
		}
		sim.PromotedVersionID = version.ID
		return tx.UpdateSimulation(ctx, sim)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPromotion(friction)
	s.logger.Info("promoted simulation",
		"simulation_id", simulationID,
		"policy_id", version.PolicyID,
		"version_id", version.ID,
		"version_number", version.VersionNumber,
		"friction_index", friction,
		"admin_id", adminID,
	)
	return version, nil
}
