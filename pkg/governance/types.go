package governance

import (
	"fmt"
	"time"
)

// EngineVersion identifies the evaluation semantics. It participates in every
// evaluation and simulation hash.
const EngineVersion = "1.0.0"

// SnapshotVersion is the schema version stamped on every FactSnapshot.
const SnapshotVersion = "1.0.0"

// Scope is the level of the hierarchy a Policy governs.
type Scope string

const (
	// ScopeOrg policies target an organization login.
	ScopeOrg Scope = "ORG"
	// ScopeRepo policies target a repository full name ("owner/repo").
	ScopeRepo Scope = "REPO"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeOrg || s == ScopeRepo
}

// Precedence ranks scopes for conflict resolution. Higher wins.
func (s Scope) Precedence() int {
	switch s {
	case ScopeOrg:
		return 2
	case ScopeRepo:
		return 1
	default:
		return 0
	}
}

// EnforcementLevel controls how a policy verdict contributes to the outcome.
type EnforcementLevel string

const (
	// LevelMandatory policies can block.
	LevelMandatory EnforcementLevel = "MANDATORY"
	// LevelOverridable policies can block but are eligible for a signed bypass.
	LevelOverridable EnforcementLevel = "OVERRIDABLE"
	// LevelAdvisory policies only warn.
	LevelAdvisory EnforcementLevel = "ADVISORY"
)

// Valid reports whether l is a known enforcement level.
func (l EnforcementLevel) Valid() bool {
	return l.Strictness() > 0
}

// Strictness ranks levels for conflict resolution. Higher wins.
func (l EnforcementLevel) Strictness() int {
	switch l {
	case LevelMandatory:
		return 3
	case LevelOverridable:
		return 2
	case LevelAdvisory:
		return 1
	default:
		return 0
	}
}

// Verdict is the engine result for a policy or a whole evaluation.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// FinalStatus is the externally reported status of a decision.
type FinalStatus string

const (
	StatusPending        FinalStatus = "PENDING"
	StatusSuccess        FinalStatus = "SUCCESS"
	StatusOverriddenPass FinalStatus = "OVERRIDDEN_PASS"
	StatusFailure        FinalStatus = "FAILURE"
	StatusNeutral        FinalStatus = "NEUTRAL"
	StatusSystemError    FinalStatus = "SYSTEM_ERROR"
)

// OverrideStatus is the lifecycle state of an Override.
type OverrideStatus string

const (
	OverrideApproved OverrideStatus = "APPROVED"
	OverrideExpired  OverrideStatus = "EXPIRED"
	OverrideRevoked  OverrideStatus = "REVOKED"
)

// CanTransition reports whether an override may move from s to next.
// Overrides only move forward: APPROVED -> EXPIRED | REVOKED.
func (s OverrideStatus) CanTransition(next OverrideStatus) bool {
	return s == OverrideApproved && (next == OverrideExpired || next == OverrideRevoked)
}

// OverrideCategory classifies the reason for a bypass.
type OverrideCategory string

const (
	CategoryEmergencyHotfix   OverrideCategory = "EMERGENCY_HOTFIX"
	CategoryFalsePositive     OverrideCategory = "FALSE_POSITIVE"
	CategoryLegacyCode        OverrideCategory = "LEGACY_CODE"
	CategoryBusinessException OverrideCategory = "BUSINESS_EXCEPTION"
)

// Valid reports whether c is a known category.
func (c OverrideCategory) Valid() bool {
	switch c {
	case CategoryEmergencyHotfix, CategoryFalsePositive, CategoryLegacyCode, CategoryBusinessException:
		return true
	}
	return false
}

// SampleStrategy selects historical snapshots for a simulation.
type SampleStrategy string

const (
	SampleTimeBased SampleStrategy = "TIME_BASED"
	SampleRepoBased SampleStrategy = "REPO_BASED"
	SampleRiskBased SampleStrategy = "RISK_BASED"
)

// Valid reports whether s is a known strategy.
func (s SampleStrategy) Valid() bool {
	return s == SampleTimeBased || s == SampleRepoBased || s == SampleRiskBased
}

// SimulationStatus is the lifecycle state of a PolicySimulation.
type SimulationStatus string

const (
	SimulationRunning   SimulationStatus = "RUNNING"
	SimulationCompleted SimulationStatus = "COMPLETED"
	SimulationFailed    SimulationStatus = "FAILED"
)

// WorkState is the orchestrator state of a unit of work. A missing row is UNSEEN.
type WorkState string

const (
	WorkPending WorkState = "PENDING"
	WorkFinal   WorkState = "FINAL"
)

// Policy identifies what is governed.
type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       Scope     `json:"scope"`
	TargetID    string    `json:"target_id"`
	OwningRole  string    `json:"owning_role,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PolicyVersion is one immutable revision of a policy's rules.
type PolicyVersion struct {
	ID               string           `json:"id"`
	PolicyID         string           `json:"policy_id"`
	VersionNumber    int              `json:"version_number"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
	Rules            RulesLogic       `json:"rules_logic"`
	Description      string           `json:"description,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CreatedBy        string           `json:"created_by"`
}

// EffectiveVersion pairs a policy with the version in effect at some instant.
type EffectiveVersion struct {
	Policy  *Policy
	Version *PolicyVersion
}

// ScopeKey identifies one unit of work: a repository at an exact revision.
type ScopeKey struct {
	Repo      string `json:"repo_full_name"`
	CommitSHA string `json:"commit_sha"`
}

// String returns "owner/repo@sha".
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s@%s", k.Repo, k.CommitSHA)
}

// FactSnapshot is the frozen, deduplicated capture of a change set.
type FactSnapshot struct {
	ID              string    `json:"id"`
	RepoFullName    string    `json:"repo_full_name"`
	PRNumber        int       `json:"pr_number"`
	CommitSHA       string    `json:"commit_sha"`
	Facts           Facts     `json:"data"`
	SnapshotVersion string    `json:"snapshot_version"`
	IngestedAt      time.Time `json:"ingested_at"`
}

// Key returns the snapshot's scope key.
func (s *FactSnapshot) Key() ScopeKey {
	return ScopeKey{Repo: s.RepoFullName, CommitSHA: s.CommitSHA}
}

// Facts is the objective content of a snapshot. Only these fields are visible
// to checkers and they are the "facts" member of the evaluation hash.
type Facts struct {
	IngestionStatus IngestionStatus `json:"ingestion_status"`
	Provenance      Provenance      `json:"provenance"`
	PullRequest     PullRequestFact `json:"pull_request"`
	Changes         ChangeFacts     `json:"changes"`
	Metadata        DerivedFacts    `json:"metadata"`
}

type IngestionStatus struct {
	Complete      bool     `json:"complete"`
	MissingFields []string `json:"missing_fields"`
}

type Provenance struct {
	Source             string `json:"source"`
	APIVersion         string `json:"api_version"`
	IngestionMethod    string `json:"ingestion_method"`
	RateLimitRemaining int    `json:"rate_limit_remaining"`
}

type PullRequestFact struct {
	Title      string     `json:"title"`
	Author     AuthorFact `json:"author"`
	BaseBranch string     `json:"base_branch"`
	Labels     []string   `json:"labels"`
	IsDraft    bool       `json:"is_draft"`
}

type AuthorFact struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type ChangeFacts struct {
	TotalFiles int        `json:"total_files"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	Files      []FileFact `json:"files"`
}

// FileFact describes one changed path.
type FileFact struct {
	Path       string `json:"path"`
	Extension  string `json:"extension"`
	Status     string `json:"status"`
	Additions  int    `json:"additions"`
	Deletions  int    `json:"deletions"`
	IsTestFile bool   `json:"is_test_file"`
}

type DerivedFacts struct {
	TestFilesChangedCount int      `json:"test_files_changed_count"`
	PathPrefixes          []string `json:"path_prefixes"`
}

// AppliedPolicy is one resolved policy as it took part in an evaluation.
type AppliedPolicy struct {
	PolicyID        string           `json:"policy_id"`
	PolicyVersionID string           `json:"policy_version_id"`
	VersionNumber   int              `json:"version_number"`
	Scope           Scope            `json:"scope"`
	Level           EnforcementLevel `json:"level"`
	Rules           RulesLogic       `json:"rules_logic"`
	Reason          string           `json:"resolution_reason,omitempty"`
}

// Violation is a non-PASS policy result with drill-down details.
type Violation struct {
	PolicyID        string  `json:"policy_id"`
	PolicyVersionID string  `json:"policy_version_id"`
	Checker         string  `json:"checker"`
	Verdict         Verdict `json:"verdict"`
	FactPath        string  `json:"fact_path,omitempty"`
	Expected        string  `json:"expected,omitempty"`
	Actual          string  `json:"actual,omitempty"`
	Message         string  `json:"message"`
}

// Decision is an append-only ledger row.
type Decision struct {
	ID                 string          `json:"id"`
	PolicyVersionID    string          `json:"policy_version_id,omitempty"`
	FactID             string          `json:"fact_id"`
	Result             Verdict         `json:"result"`
	FinalStatus        FinalStatus     `json:"final_status"`
	Rationale          string          `json:"rationale"`
	EvaluationHash     string          `json:"evaluation_hash"`
	EngineVersion      string          `json:"engine_version"`
	AppliedPolicies    []AppliedPolicy `json:"applied_policies"`
	ViolatedPolicies   []Violation     `json:"violated_policies"`
	OverrideID         string          `json:"override_id,omitempty"`
	PreviousDecisionID string          `json:"previous_decision_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Override is a signed, time-boxed, commit-scoped exception to one Decision.
type Override struct {
	ID              string           `json:"id"`
	DecisionID      string           `json:"decision_id"`
	PolicyVersionID string           `json:"policy_version_id,omitempty"`
	EvaluationHash  string           `json:"evaluation_hash"`
	TargetSHA       string           `json:"target_sha"`
	RepoFullName    string           `json:"repo_full_name"`
	PRNumber        int              `json:"pr_number"`
	Category        OverrideCategory `json:"category"`
	Status          OverrideStatus   `json:"status"`
	ExpiresAt       time.Time        `json:"expires_at"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
}

// OverrideSignature is one actor's accountable approval of an Override.
type OverrideSignature struct {
	ID            string    `json:"id"`
	OverrideID    string    `json:"override_id"`
	ActorID       string    `json:"actor_id"`
	RoleAtSigning string    `json:"role_at_signing"`
	Justification string    `json:"justification"`
	CommitSHA     string    `json:"commit_sha"`
	Attestation   string    `json:"attestation,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// OverrideRevocation is the kill-switch record for an Override.
type OverrideRevocation struct {
	OverrideID       string    `json:"override_id"`
	RevokedByActorID string    `json:"revoked_by_actor_id"`
	Reason           string    `json:"reason"`
	RevokedAt        time.Time `json:"revoked_at"`
}

// PolicySimulation is a blast-radius analysis of draft rules.
type PolicySimulation struct {
	ID                string             `json:"id"`
	SimulationHash    string             `json:"simulation_hash"`
	PolicyID          string             `json:"policy_id"`
	DraftRules        RulesLogic         `json:"draft_rules"`
	EngineVersion     string             `json:"engine_version"`
	Strategy          SampleStrategy     `json:"sample_strategy"`
	SampleSize        int                `json:"sample_size"`
	Status            SimulationStatus   `json:"status"`
	Results           *SimulationResults `json:"results,omitempty"`
	Error             string             `json:"error,omitempty"`
	CreatedBy         string             `json:"created_by"`
	CreatedAt         time.Time          `json:"created_at"`
	PromotedVersionID string             `json:"promoted_version_id,omitempty"`
}

// SimulationResults is the outcome of replaying draft rules.
type SimulationResults struct {
	Summary     SimulationSummary `json:"summary"`
	ImpactedPRs []ImpactedPR      `json:"impacted_prs"`
}

type SimulationSummary struct {
	TotalSnapshots    int    `json:"total_snapshots"`
	ConsistentCount   int    `json:"consistent_count"`
	NewlyBlockedCount int    `json:"newly_blocked_count"`
	NewlyPassedCount  int    `json:"newly_passed_count"`
	FailRateChange    string `json:"fail_rate_change"`
	FrictionIndex     string `json:"friction_index"`
}

type ImpactedPR struct {
	SnapshotID string `json:"snapshot_id"`
	PRNumber   int    `json:"pr_number"`
	Repo       string `json:"repo"`
	Change     string `json:"change"`
	Rationale  string `json:"rationale"`
}

// WorkUnit is the orchestrator's record for one (repo, revision) pair.
type WorkUnit struct {
	ID            string      `json:"id"`
	RepoFullName  string      `json:"repo_full_name"`
	CommitSHA     string      `json:"commit_sha"`
	PRNumber      int         `json:"pr_number"`
	State         WorkState   `json:"state"`
	RulesRevision int64       `json:"rules_revision"`
	Attempts      int         `json:"attempts"`
	DecisionID    string      `json:"decision_id,omitempty"`
	Result        Verdict     `json:"result,omitempty"`
	FinalStatus   FinalStatus `json:"final_status,omitempty"`
	Rationale     string      `json:"rationale,omitempty"`
	Payload       Event       `json:"payload"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Key returns the unit's scope key.
func (w *WorkUnit) Key() ScopeKey {
	return ScopeKey{Repo: w.RepoFullName, CommitSHA: w.CommitSHA}
}

// FinalizeParams carries the guarded PENDING -> FINAL write.
type FinalizeParams struct {
	ID            string
	RulesRevision int64
	DecisionID    string
	Result        Verdict
	FinalStatus   FinalStatus
	Rationale     string
	At            time.Time
}

// PolicyMetric holds derived counters for one policy version.
type PolicyMetric struct {
	PolicyID         string    `json:"policy_id"`
	VersionID        string    `json:"version_id"`
	TotalEvaluations int64     `json:"total_evaluations"`
	TotalBlocks      int64     `json:"total_blocks"`
	TotalOverrides   int64     `json:"total_overrides"`
	ChallengeCount   int64     `json:"policy_challenge_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SignalType names a governance pattern.
type SignalType string

const SignalBypassVelocity SignalType = "BYPASS_VELOCITY"

// Signal is an informational governance observation.
type Signal struct {
	ID        string            `json:"id"`
	Type      SignalType        `json:"type"`
	TargetID  string            `json:"target_id"`
	Level     string            `json:"signal_level"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
