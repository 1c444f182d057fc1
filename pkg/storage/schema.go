package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema creates the governance ledger. It is written in the dialect shared
// by SQLite and PostgreSQL: timestamps are unix nanoseconds, structured
// columns hold JSON text and ordering within equal timestamps uses seq.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
)`,

	`CREATE TABLE IF NOT EXISTS policies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    scope TEXT NOT NULL,
    target_id TEXT NOT NULL,
    owning_role TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_scope_target ON policies(scope, target_id)`,

	`CREATE TABLE IF NOT EXISTS policy_versions (
    id TEXT PRIMARY KEY,
    policy_id TEXT NOT NULL REFERENCES policies(id),
    version_number INTEGER NOT NULL,
    enforcement_level TEXT NOT NULL,
    rules_logic TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    UNIQUE (policy_id, version_number)
)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_versions_created ON policy_versions(policy_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS fact_snapshots (
    id TEXT PRIMARY KEY,
    repo_full_name TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    commit_sha TEXT NOT NULL,
    data TEXT NOT NULL,
    snapshot_version TEXT NOT NULL,
    ingested_at BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    UNIQUE (repo_full_name, commit_sha)
)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_snapshots_ingested ON fact_snapshots(ingested_at, seq)`,

	`CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    policy_version_id TEXT NOT NULL DEFAULT '',
    fact_id TEXT NOT NULL REFERENCES fact_snapshots(id),
    result TEXT NOT NULL,
    final_status TEXT NOT NULL,
    rationale TEXT NOT NULL,
    evaluation_hash TEXT NOT NULL,
    engine_version TEXT NOT NULL,
    applied_policies TEXT NOT NULL,
    violated_policies TEXT NOT NULL,
    override_id TEXT,
    previous_decision_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    seq BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_fact ON decisions(fact_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_override ON decisions(override_id) WHERE override_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS overrides (
    id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL UNIQUE REFERENCES decisions(id),
    policy_version_id TEXT NOT NULL DEFAULT '',
    evaluation_hash TEXT NOT NULL,
    target_sha TEXT NOT NULL,
    repo_full_name TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    category TEXT NOT NULL,
    status TEXT NOT NULL,
    expires_at BIGINT NOT NULL,
    created_by TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_repo_pr ON overrides(repo_full_name, pr_number)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_status_expiry ON overrides(status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS override_signatures (
    id TEXT PRIMARY KEY,
    override_id TEXT NOT NULL REFERENCES overrides(id),
    actor_id TEXT NOT NULL,
    role_at_signing TEXT NOT NULL,
    justification TEXT NOT NULL,
    commit_sha TEXT NOT NULL,
    attestation TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    UNIQUE (override_id, actor_id)
)`,

	`CREATE TABLE IF NOT EXISTS override_revocations (
    override_id TEXT PRIMARY KEY REFERENCES overrides(id),
    revoked_by_actor_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    revoked_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS policy_simulations (
    id TEXT PRIMARY KEY,
    simulation_hash TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    draft_rules TEXT NOT NULL,
    engine_version TEXT NOT NULL,
    sample_strategy TEXT NOT NULL,
    sample_size INTEGER NOT NULL,
    status TEXT NOT NULL,
    results TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    promoted_version_id TEXT NOT NULL DEFAULT ''
)`,

	`CREATE TABLE IF NOT EXISTS work_units (
    id TEXT PRIMARY KEY,
    repo_full_name TEXT NOT NULL,
    commit_sha TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    state TEXT NOT NULL,
    rules_revision BIGINT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    decision_id TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    final_status TEXT NOT NULL DEFAULT '',
    rationale TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    UNIQUE (repo_full_name, commit_sha)
)`,
	`CREATE INDEX IF NOT EXISTS idx_work_units_state ON work_units(state, attempts, updated_at)`,

	`CREATE TABLE IF NOT EXISTS policy_metrics (
    policy_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    total_evaluations BIGINT NOT NULL DEFAULT 0,
    total_blocks BIGINT NOT NULL DEFAULT 0,
    total_overrides BIGINT NOT NULL DEFAULT 0,
    challenge_count BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (policy_id, version_id)
)`,

	`CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    signal_level TEXT NOT NULL,
    metadata TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    seq BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_target ON signals(target_id, created_at)`,
}

// InsertSchemaVersion records the schema version once.
const InsertSchemaVersion = `INSERT INTO schema_version (version) VALUES (?) ON CONFLICT (version) DO NOTHING`

// GetSchemaVersion returns the highest recorded schema version.
const GetSchemaVersion = `SELECT MAX(version) FROM schema_version`
