package governance

import (
	"context"
	"time"
)

// Store is the transactional ledger. Every read and write goes through a Tx;
// WithTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	// Backend names the implementation ("memory", "sqlite3", "sqlite", "pgx").
	Backend() string

	Close() error
}

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	Scope    Scope
	TargetID string
}

// SnapshotFilter narrows ListSnapshots. Results are newest first.
type SnapshotFilter struct {
	// Repos restricts to exact repository full names.
	Repos []string
	// RepoPrefix restricts to repositories whose full name starts with it.
	RepoPrefix string
	Limit      int
}

// OverrideFilter narrows ListOverrides.
type OverrideFilter struct {
	Repo          string
	PRNumber      int
	Status        OverrideStatus
	ExpiresBefore time.Time
}

// SignalFilter narrows ListSignals.
type SignalFilter struct {
	TargetID string
	Type     SignalType
	Since    time.Time
}

// MetricDelta increments the derived counters of one policy version.
type MetricDelta struct {
	PolicyID    string
	VersionID   string
	Evaluations int64
	Blocks      int64
	Overrides   int64
	Challenges  int64
}

// Tx is the set of ledger operations available inside a transaction.
type Tx interface {
	// Policies and versions.
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, f PolicyFilter) ([]*Policy, error)
	CreatePolicyVersion(ctx context.Context, v *PolicyVersion) error
	GetPolicyVersion(ctx context.Context, id string) (*PolicyVersion, error)
	LatestPolicyVersion(ctx context.Context, policyID string) (*PolicyVersion, error)
	ListPolicyVersions(ctx context.Context, policyID string) ([]*PolicyVersion, error)

	// EffectiveVersions returns, for every policy of the given scope and
	// target, the highest version whose created_at is not after at.
	EffectiveVersions(ctx context.Context, scope Scope, targetID string, at time.Time) ([]EffectiveVersion, error)

	// RulesRevision is a monotonic counter of policy versions ever written.
	RulesRevision(ctx context.Context) (int64, error)

	// Fact snapshots.
	InsertSnapshot(ctx context.Context, s *FactSnapshot) (*FactSnapshot, bool, error)
	GetSnapshot(ctx context.Context, id string) (*FactSnapshot, error)
	GetSnapshotByKey(ctx context.Context, key ScopeKey) (*FactSnapshot, error)
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]*FactSnapshot, error)

	// Decisions.
	InsertDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	LatestDecisionForFact(ctx context.Context, factID string) (*Decision, error)
	ListDecisionsForFact(ctx context.Context, factID string) ([]*Decision, error)
	// AttachOverride sets override_id once; a second attempt is ErrConflict.
	AttachOverride(ctx context.Context, decisionID, overrideID string) error

	// Overrides, signatures and revocations.
	InsertOverride(ctx context.Context, o *Override) error
	GetOverride(ctx context.Context, id string) (*Override, error)
	ListOverrides(ctx context.Context, f OverrideFilter) ([]*Override, error)
	// TransitionOverride moves status from -> to and reports whether this
	// call made the change.
	TransitionOverride(ctx context.Context, id string, from, to OverrideStatus) (bool, error)
	CountOverridesSince(ctx context.Context, repo string, since time.Time) (int, error)
	InsertSignature(ctx context.Context, s *OverrideSignature) error
	ListSignatures(ctx context.Context, overrideID string) ([]*OverrideSignature, error)
	InsertRevocation(ctx context.Context, r *OverrideRevocation) error
	GetRevocation(ctx context.Context, overrideID string) (*OverrideRevocation, error)

	// Simulations.
	InsertSimulation(ctx context.Context, s *PolicySimulation) error
	UpdateSimulation(ctx context.Context, s *PolicySimulation) error
	GetSimulation(ctx context.Context, id string) (*PolicySimulation, error)

	// Work units.
	// ClaimWorkUnit inserts w unless a unit with the same key exists, in
	// which case the existing unit is returned and created is false.
	ClaimWorkUnit(ctx context.Context, w *WorkUnit) (unit *WorkUnit, created bool, err error)
	GetWorkUnit(ctx context.Context, key ScopeKey) (*WorkUnit, error)
	// FinalizeWorkUnit performs the optimistic PENDING -> FINAL write. It
	// reports false when the unit is no longer PENDING or when the rules
	// revision recorded at claim time is no longer current.
	FinalizeWorkUnit(ctx context.Context, p FinalizeParams) (bool, error)
	// ClaimRetry grants the single permitted retry of a PENDING unit.
	ClaimRetry(ctx context.Context, id string, at time.Time) (bool, error)
	// AdoptWorkUnit moves a PENDING unit whose recorded revision is
	// staleRevision onto the current rules revision. It reports false when
	// the unit changed or staleRevision is still current.
	AdoptWorkUnit(ctx context.Context, id string, staleRevision int64, at time.Time) (bool, error)
	// SupersedeWorkUnit repoints a FINAL unit from previousDecisionID to a
	// newer decision of the same snapshot.
	SupersedeWorkUnit(ctx context.Context, previousDecisionID string, p FinalizeParams) (bool, error)
	ListStuckWorkUnits(ctx context.Context, olderThan time.Time, limit int) ([]*WorkUnit, error)

	// Derived governance memory.
	IncrementPolicyMetric(ctx context.Context, d MetricDelta, at time.Time) error
	ListPolicyMetrics(ctx context.Context, policyID string) ([]*PolicyMetric, error)
	InsertSignal(ctx context.Context, s *Signal) error
	ListSignals(ctx context.Context, f SignalFilter) ([]*Signal, error)
}
