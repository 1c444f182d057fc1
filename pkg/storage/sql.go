package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"mercator-hq/prgate/pkg/governance"
)

// Supported database/sql driver names.
const (
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLite   = "sqlite"  // modernc.org/sqlite (pure Go)
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// SQLConfig contains configuration for the SQL storage backend.
type SQLConfig struct {
	// Driver is one of DriverSQLite3, DriverSQLite or DriverPostgres.
	Driver string

	// DSN is the data source name passed to the driver. For SQLite drivers
	// this is a file path.
	DSN string

	// MaxOpenConns is the maximum number of open connections for PostgreSQL.
	// SQLite always uses a single connection.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging for SQLite.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration SQLite waits when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLConfig returns the default SQL configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		Driver:       DriverSQLite3,
		DSN:          "data/prgate.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLStore implements governance.Store over database/sql.
type SQLStore struct {
	db     *sql.DB
	config *SQLConfig
	driver string
	logger *slog.Logger
}

// NewSQLStore opens the database and creates the schema.
func NewSQLStore(config *SQLConfig) (*SQLStore, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}

	switch config.Driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres:
	default:
		return nil, NewStorageError(config.Driver, "open", fmt.Errorf("unsupported driver %q", config.Driver))
	}

	logger := slog.Default().With("component", "storage.sql", "driver", config.Driver)

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, NewStorageError(config.Driver, "open", err)
	}

	if config.isSQLite() {
		// SQLite allows one writer; a single connection serializes transactions.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}

	s := &SQLStore{
		db:     db,
		config: config,
		driver: config.Driver,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQL storage initialized",
		"wal_mode", config.WALMode && config.isSQLite(),
		"schema_version", SchemaVersion,
	)

	return s, nil
}

func (c *SQLConfig) isSQLite() bool {
	return c.Driver == DriverSQLite3 || c.Driver == DriverSQLite
}

func (s *SQLStore) initialize() error {
	ctx := context.Background()

	if s.config.isSQLite() {
		if s.config.WALMode {
			if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
				return NewStorageError(s.driver, "enable_wal", err)
			}
		}
		busy := fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())
		if _, err := s.db.ExecContext(ctx, busy); err != nil {
			return NewStorageError(s.driver, "set_busy_timeout", err)
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
			return NewStorageError(s.driver, "enable_foreign_keys", err)
		}
	}

	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError(s.driver, "create_schema", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(InsertSchemaVersion), SchemaVersion); err != nil {
		return NewStorageError(s.driver, "insert_schema_version", err)
	}

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, GetSchemaVersion).Scan(&version); err != nil {
		return NewStorageError(s.driver, "get_schema_version", err)
	}
	if version.Int64 != SchemaVersion {
		return NewStorageError(s.driver, "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version.Int64))
	}

	s.logger.Debug("database schema ready")
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// WithTx runs fn in a database transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx governance.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError(s.driver, "begin", err)
	}

	if err := fn(&sqlTx{tx: tx, s: s}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backend returns the driver name.
func (s *SQLStore) Backend() string { return s.driver }

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError(s.driver, "close", err)
	}
	s.logger.Info("SQL storage closed")
	return nil
}

type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.s.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.s.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.s.rebind(query), args...)
}

// affected executes a statement and returns the number of changed rows.
func (t *sqlTx) affected(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, t.s.wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.s.wrap(op, err)
	}
	return n, nil
}

func (t *sqlTx) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := t.queryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, t.s.wrap("exists", err)
	}
	return true, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// escapeLike escapes LIKE wildcards using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Policies

const policyColumns = `id, name, scope, target_id, owning_role, description, created_at`

func scanPolicy(row rowScanner) (*governance.Policy, error) {
	var (
		p       governance.Policy
		created int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Scope, &p.TargetID, &p.OwningRole, &p.Description, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	return &p, nil
}

func (t *sqlTx) CreatePolicy(ctx context.Context, p *governance.Policy) error {
	_, err := t.exec(ctx, `INSERT INTO policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Scope, p.TargetID, p.OwningRole, p.Description, toNanos(p.CreatedAt))
	return t.s.wrap("create_policy", err)
}

func (t *sqlTx) GetPolicy(ctx context.Context, id string) (*governance.Policy, error) {
	p, err := scanPolicy(t.queryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("policy", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_policy", err)
	}
	return p, nil
}

func (t *sqlTx) ListPolicies(ctx context.Context, f governance.PolicyFilter) ([]*governance.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE 1=1`
	var args []any
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, f.Scope)
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	query += ` ORDER BY id`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_policies", err)
	}
	defer rows.Close()

	out := []*governance.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, t.s.wrap("scan_policy", err)
		}
		out = append(out, p)
	}
	return out, t.s.wrap("list_policies", rows.Err())
}

// Policy versions

const versionColumns = `id, policy_id, version_number, enforcement_level, rules_logic, description, created_by, created_at`

func scanVersion(row rowScanner) (*governance.PolicyVersion, error) {
	var (
		v       governance.PolicyVersion
		rules   string
		created int64
	)
	if err := row.Scan(&v.ID, &v.PolicyID, &v.VersionNumber, &v.EnforcementLevel, &rules, &v.Description, &v.CreatedBy, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &v.Rules); err != nil {
		return nil, fmt.Errorf("decode rules_logic of %s: %w", v.ID, err)
	}
	v.CreatedAt = fromNanos(created)
	return &v, nil
}

func (t *sqlTx) CreatePolicyVersion(ctx context.Context, v *governance.PolicyVersion) error {
	if _, err := t.GetPolicy(ctx, v.PolicyID); err != nil {
		return err
	}
	rules, err := toJSON(v.Rules)
	if err != nil {
		return t.s.wrap("encode_rules", err)
	}
	_, err = t.exec(ctx, `INSERT INTO policy_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PolicyID, v.VersionNumber, v.EnforcementLevel, rules, v.Description, v.CreatedBy, toNanos(v.CreatedAt))
	return t.s.wrap("create_policy_version", err)
}

func (t *sqlTx) GetPolicyVersion(ctx context.Context, id string) (*governance.PolicyVersion, error) {
	v, err := scanVersion(t.queryRow(ctx, `SELECT `+versionColumns+` FROM policy_versions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("policy version", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_policy_version", err)
	}
	return v, nil
}

func (t *sqlTx) LatestPolicyVersion(ctx context.Context, policyID string) (*governance.PolicyVersion, error) {
	v, err := scanVersion(t.queryRow(ctx, `SELECT `+versionColumns+` FROM policy_versions
		WHERE policy_id = ? ORDER BY version_number DESC LIMIT 1`, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("policy version", policyID)
	}
	if err != nil {
		return nil, t.s.wrap("latest_policy_version", err)
	}
	return v, nil
}

func (t *sqlTx) ListPolicyVersions(ctx context.Context, policyID string) ([]*governance.PolicyVersion, error) {
	rows, err := t.query(ctx, `SELECT `+versionColumns+` FROM policy_versions
		WHERE policy_id = ? ORDER BY version_number`, policyID)
	if err != nil {
		return nil, t.s.wrap("list_policy_versions", err)
	}
	defer rows.Close()

	out := []*governance.PolicyVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, t.s.wrap("scan_policy_version", err)
		}
		out = append(out, v)
	}
	return out, t.s.wrap("list_policy_versions", rows.Err())
}

func (t *sqlTx) EffectiveVersions(ctx context.Context, scope governance.Scope, targetID string, at time.Time) ([]governance.EffectiveVersion, error) {
	cutoff := toNanos(at)
	rows, err := t.query(ctx, `SELECT
		p.id, p.name, p.scope, p.target_id, p.owning_role, p.description, p.created_at,
		v.id, v.policy_id, v.version_number, v.enforcement_level, v.rules_logic, v.description, v.created_by, v.created_at
		FROM policy_versions v JOIN policies p ON p.id = v.policy_id
		WHERE p.scope = ? AND p.target_id = ? AND v.created_at <= ?
		AND v.version_number = (
			SELECT MAX(v2.version_number) FROM policy_versions v2
			WHERE v2.policy_id = v.policy_id AND v2.created_at <= ?
		)
		ORDER BY p.id`, scope, targetID, cutoff, cutoff)
	if err != nil {
		return nil, t.s.wrap("effective_versions", err)
	}
	defer rows.Close()

	out := []governance.EffectiveVersion{}
	for rows.Next() {
		var (
			p              governance.Policy
			v              governance.PolicyVersion
			rules          string
			pCreated, vCre int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Scope, &p.TargetID, &p.OwningRole, &p.Description, &pCreated,
			&v.ID, &v.PolicyID, &v.VersionNumber, &v.EnforcementLevel, &rules, &v.Description, &v.CreatedBy, &vCre); err != nil {
			return nil, t.s.wrap("scan_effective_version", err)
		}
		if err := json.Unmarshal([]byte(rules), &v.Rules); err != nil {
			return nil, t.s.wrap("decode_rules", err)
		}
		p.CreatedAt = fromNanos(pCreated)
		v.CreatedAt = fromNanos(vCre)
		out = append(out, governance.EffectiveVersion{Policy: &p, Version: &v})
	}
	return out, t.s.wrap("effective_versions", rows.Err())
}

func (t *sqlTx) RulesRevision(ctx context.Context) (int64, error) {
	var n int64
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM policy_versions`).Scan(&n); err != nil {
		return 0, t.s.wrap("rules_revision", err)
	}
	return n, nil
}

// Fact snapshots

const snapshotColumns = `id, repo_full_name, pr_number, commit_sha, data, snapshot_version, ingested_at`

func scanSnapshot(row rowScanner) (*governance.FactSnapshot, error) {
	var (
		s        governance.FactSnapshot
		data     string
		ingested int64
	)
	if err := row.Scan(&s.ID, &s.RepoFullName, &s.PRNumber, &s.CommitSHA, &data, &s.SnapshotVersion, &ingested); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &s.Facts); err != nil {
		return nil, fmt.Errorf("decode facts of %s: %w", s.ID, err)
	}
	s.IngestedAt = fromNanos(ingested)
	return &s, nil
}

func (t *sqlTx) InsertSnapshot(ctx context.Context, s *governance.FactSnapshot) (*governance.FactSnapshot, bool, error) {
	data, err := toJSON(s.Facts)
	if err != nil {
		return nil, false, t.s.wrap("encode_facts", err)
	}
	n, err := t.affected(ctx, "insert_snapshot", `INSERT INTO fact_snapshots (`+snapshotColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM fact_snapshots))
		ON CONFLICT (repo_full_name, commit_sha) DO NOTHING`,
		s.ID, s.RepoFullName, s.PRNumber, s.CommitSHA, data, s.SnapshotVersion, toNanos(s.IngestedAt))
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := t.GetSnapshotByKey(ctx, s.Key())
		return existing, false, err
	}
	stored, err := t.GetSnapshot(ctx, s.ID)
	return stored, true, err
}

func (t *sqlTx) GetSnapshot(ctx context.Context, id string) (*governance.FactSnapshot, error) {
	s, err := scanSnapshot(t.queryRow(ctx, `SELECT `+snapshotColumns+` FROM fact_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("fact snapshot", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_snapshot", err)
	}
	return s, nil
}

func (t *sqlTx) GetSnapshotByKey(ctx context.Context, key governance.ScopeKey) (*governance.FactSnapshot, error) {
	s, err := scanSnapshot(t.queryRow(ctx, `SELECT `+snapshotColumns+` FROM fact_snapshots
		WHERE repo_full_name = ? AND commit_sha = ?`, key.Repo, key.CommitSHA))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("fact snapshot", key.String())
	}
	if err != nil {
		return nil, t.s.wrap("get_snapshot_by_key", err)
	}
	return s, nil
}

func (t *sqlTx) ListSnapshots(ctx context.Context, f governance.SnapshotFilter) ([]*governance.FactSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM fact_snapshots WHERE 1=1`
	var args []any
	if len(f.Repos) > 0 {
		query += ` AND repo_full_name IN (?` + strings.Repeat(`, ?`, len(f.Repos)-1) + `)`
		for _, r := range f.Repos {
			args = append(args, r)
		}
	}
	if f.RepoPrefix != "" {
		query += ` AND repo_full_name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(f.RepoPrefix)+"%")
	}
	query += ` ORDER BY ingested_at DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_snapshots", err)
	}
	defer rows.Close()

	out := []*governance.FactSnapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, t.s.wrap("scan_snapshot", err)
		}
		out = append(out, s)
	}
	return out, t.s.wrap("list_snapshots", rows.Err())
}

// Decisions

const decisionColumns = `id, policy_version_id, fact_id, result, final_status, rationale, evaluation_hash,
	engine_version, applied_policies, violated_policies, override_id, previous_decision_id, created_at`

func scanDecision(row rowScanner) (*governance.Decision, error) {
	var (
		d                 governance.Decision
		applied, violated string
		overrideID        sql.NullString
		created           int64
	)
	if err := row.Scan(&d.ID, &d.PolicyVersionID, &d.FactID, &d.Result, &d.FinalStatus, &d.Rationale, &d.EvaluationHash,
		&d.EngineVersion, &applied, &violated, &overrideID, &d.PreviousDecisionID, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(applied), &d.AppliedPolicies); err != nil {
		return nil, fmt.Errorf("decode applied_policies of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(violated), &d.ViolatedPolicies); err != nil {
		return nil, fmt.Errorf("decode violated_policies of %s: %w", d.ID, err)
	}
	d.OverrideID = overrideID.String
	d.CreatedAt = fromNanos(created)
	return &d, nil
}

func (t *sqlTx) InsertDecision(ctx context.Context, d *governance.Decision) error {
	if _, err := t.GetSnapshot(ctx, d.FactID); err != nil {
		return err
	}
	applied, err := toJSON(d.AppliedPolicies)
	if err != nil {
		return t.s.wrap("encode_applied_policies", err)
	}
	violated, err := toJSON(d.ViolatedPolicies)
	if err != nil {
		return t.s.wrap("encode_violated_policies", err)
	}
	_, err = t.exec(ctx, `INSERT INTO decisions (`+decisionColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM decisions))`,
		d.ID, d.PolicyVersionID, d.FactID, d.Result, d.FinalStatus, d.Rationale, d.EvaluationHash,
		d.EngineVersion, applied, violated, nullable(d.OverrideID), d.PreviousDecisionID, toNanos(d.CreatedAt))
	return t.s.wrap("insert_decision", err)
}

func (t *sqlTx) GetDecision(ctx context.Context, id string) (*governance.Decision, error) {
	d, err := scanDecision(t.queryRow(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("decision", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_decision", err)
	}
	return d, nil
}

func (t *sqlTx) LatestDecisionForFact(ctx context.Context, factID string) (*governance.Decision, error) {
	d, err := scanDecision(t.queryRow(ctx, `SELECT `+decisionColumns+` FROM decisions
		WHERE fact_id = ? ORDER BY seq DESC LIMIT 1`, factID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("decision for fact", factID)
	}
	if err != nil {
		return nil, t.s.wrap("latest_decision", err)
	}
	return d, nil
}

func (t *sqlTx) ListDecisionsForFact(ctx context.Context, factID string) ([]*governance.Decision, error) {
	rows, err := t.query(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE fact_id = ? ORDER BY seq`, factID)
	if err != nil {
		return nil, t.s.wrap("list_decisions", err)
	}
	defer rows.Close()

	out := []*governance.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, t.s.wrap("scan_decision", err)
		}
		out = append(out, d)
	}
	return out, t.s.wrap("list_decisions", rows.Err())
}

func (t *sqlTx) AttachOverride(ctx context.Context, decisionID, overrideID string) error {
	n, err := t.affected(ctx, "attach_override",
		`UPDATE decisions SET override_id = ? WHERE id = ? AND override_id IS NULL`, overrideID, decisionID)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := t.GetDecision(ctx, decisionID); err != nil {
		return err
	}
	return fmt.Errorf("%w: decision %q already has an override", governance.ErrConflict, decisionID)
}

// Overrides

const overrideColumns = `id, decision_id, policy_version_id, evaluation_hash, target_sha, repo_full_name,
	pr_number, category, status, expires_at, created_by, created_at`

func scanOverride(row rowScanner) (*governance.Override, error) {
	var (
		o                governance.Override
		expires, created int64
	)
	if err := row.Scan(&o.ID, &o.DecisionID, &o.PolicyVersionID, &o.EvaluationHash, &o.TargetSHA, &o.RepoFullName,
		&o.PRNumber, &o.Category, &o.Status, &expires, &o.CreatedBy, &created); err != nil {
		return nil, err
	}
	o.ExpiresAt = fromNanos(expires)
	o.CreatedAt = fromNanos(created)
	return &o, nil
}

func (t *sqlTx) InsertOverride(ctx context.Context, o *governance.Override) error {
	if _, err := t.GetDecision(ctx, o.DecisionID); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.DecisionID, o.PolicyVersionID, o.EvaluationHash, o.TargetSHA, o.RepoFullName,
		o.PRNumber, o.Category, o.Status, toNanos(o.ExpiresAt), o.CreatedBy, toNanos(o.CreatedAt))
	return t.s.wrap("insert_override", err)
}

func (t *sqlTx) GetOverride(ctx context.Context, id string) (*governance.Override, error) {
	o, err := scanOverride(t.queryRow(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("override", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_override", err)
	}
	return o, nil
}

func (t *sqlTx) ListOverrides(ctx context.Context, f governance.OverrideFilter) ([]*governance.Override, error) {
	query := `SELECT ` + overrideColumns + ` FROM overrides WHERE 1=1`
	var args []any
	if f.Repo != "" {
		query += ` AND repo_full_name = ?`
		args = append(args, f.Repo)
	}
	if f.PRNumber != 0 {
		query += ` AND pr_number = ?`
		args = append(args, f.PRNumber)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.ExpiresBefore.IsZero() {
		query += ` AND expires_at < ?`
		args = append(args, toNanos(f.ExpiresBefore))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_overrides", err)
	}
	defer rows.Close()

	out := []*governance.Override{}
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, t.s.wrap("scan_override", err)
		}
		out = append(out, o)
	}
	return out, t.s.wrap("list_overrides", rows.Err())
}

func (t *sqlTx) TransitionOverride(ctx context.Context, id string, from, to governance.OverrideStatus) (bool, error) {
	n, err := t.affected(ctx, "transition_override",
		`UPDATE overrides SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := t.GetOverride(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (t *sqlTx) CountOverridesSince(ctx context.Context, repo string, since time.Time) (int, error) {
	var n int
	err := t.queryRow(ctx, `SELECT COUNT(*) FROM overrides WHERE repo_full_name = ? AND created_at >= ?`,
		repo, toNanos(since)).Scan(&n)
	if err != nil {
		return 0, t.s.wrap("count_overrides", err)
	}
	return n, nil
}

const signatureColumns = `id, override_id, actor_id, role_at_signing, justification, commit_sha, attestation, created_at`

func (t *sqlTx) InsertSignature(ctx context.Context, s *governance.OverrideSignature) error {
	if _, err := t.GetOverride(ctx, s.OverrideID); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO override_signatures (`+signatureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OverrideID, s.ActorID, s.RoleAtSigning, s.Justification, s.CommitSHA, s.Attestation, toNanos(s.CreatedAt))
	return t.s.wrap("insert_signature", err)
}

func (t *sqlTx) ListSignatures(ctx context.Context, overrideID string) ([]*governance.OverrideSignature, error) {
	rows, err := t.query(ctx, `SELECT `+signatureColumns+` FROM override_signatures
		WHERE override_id = ? ORDER BY created_at, id`, overrideID)
	if err != nil {
		return nil, t.s.wrap("list_signatures", err)
	}
	defer rows.Close()

	out := []*governance.OverrideSignature{}
	for rows.Next() {
		var (
			s       governance.OverrideSignature
			created int64
		)
		if err := rows.Scan(&s.ID, &s.OverrideID, &s.ActorID, &s.RoleAtSigning, &s.Justification,
			&s.CommitSHA, &s.Attestation, &created); err != nil {
			return nil, t.s.wrap("scan_signature", err)
		}
		s.CreatedAt = fromNanos(created)
		out = append(out, &s)
	}
	return out, t.s.wrap("list_signatures", rows.Err())
}

func (t *sqlTx) InsertRevocation(ctx context.Context, r *governance.OverrideRevocation) error {
	if _, err := t.GetOverride(ctx, r.OverrideID); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO override_revocations (override_id, revoked_by_actor_id, reason, revoked_at)
		VALUES (?, ?, ?, ?)`, r.OverrideID, r.RevokedByActorID, r.Reason, toNanos(r.RevokedAt))
	return t.s.wrap("insert_revocation", err)
}

func (t *sqlTx) GetRevocation(ctx context.Context, overrideID string) (*governance.OverrideRevocation, error) {
	var (
		r       governance.OverrideRevocation
		revoked int64
	)
	err := t.queryRow(ctx, `SELECT override_id, revoked_by_actor_id, reason, revoked_at
		FROM override_revocations WHERE override_id = ?`, overrideID).
		Scan(&r.OverrideID, &r.RevokedByActorID, &r.Reason, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("override revocation", overrideID)
	}
	if err != nil {
		return nil, t.s.wrap("get_revocation", err)
	}
	r.RevokedAt = fromNanos(revoked)
	return &r, nil
}

// Simulations

const simulationColumns = `id, simulation_hash, policy_id, draft_rules, engine_version, sample_strategy,
	sample_size, status, results, error, created_by, created_at, promoted_version_id`

func simulationArgs(s *governance.PolicySimulation) ([]any, error) {
	rules, err := toJSON(s.DraftRules)
	if err != nil {
		return nil, err
	}
	results := ""
	if s.Results != nil {
		if results, err = toJSON(s.Results); err != nil {
			return nil, err
		}
	}
	return []any{s.ID, s.SimulationHash, s.PolicyID, rules, s.EngineVersion, s.Strategy,
		s.SampleSize, s.Status, results, s.Error, s.CreatedBy, toNanos(s.CreatedAt), s.PromotedVersionID}, nil
}

func (t *sqlTx) InsertSimulation(ctx context.Context, s *governance.PolicySimulation) error {
	args, err := simulationArgs(s)
	if err != nil {
		return t.s.wrap("encode_simulation", err)
	}
	_, err = t.exec(ctx, `INSERT INTO policy_simulations (`+simulationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return t.s.wrap("insert_simulation", err)
}

func (t *sqlTx) UpdateSimulation(ctx context.Context, s *governance.PolicySimulation) error {
	args, err := simulationArgs(s)
	if err != nil {
		return t.s.wrap("encode_simulation", err)
	}
	// Every column but id, followed by id for the WHERE clause.
	args = append(args[1:], s.ID)
	n, err := t.affected(ctx, "update_simulation", `UPDATE policy_simulations SET
		simulation_hash = ?, policy_id = ?, draft_rules = ?, engine_version = ?, sample_strategy = ?,
		sample_size = ?, status = ?, results = ?, error = ?, created_by = ?, created_at = ?, promoted_version_id = ?
		WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return governance.NewNotFoundError("simulation", s.ID)
	}
	return nil
}

func (t *sqlTx) GetSimulation(ctx context.Context, id string) (*governance.PolicySimulation, error) {
	var (
		s              governance.PolicySimulation
		rules, results string
		created        int64
	)
	err := t.queryRow(ctx, `SELECT `+simulationColumns+` FROM policy_simulations WHERE id = ?`, id).
		Scan(&s.ID, &s.SimulationHash, &s.PolicyID, &rules, &s.EngineVersion, &s.Strategy,
			&s.SampleSize, &s.Status, &results, &s.Error, &s.CreatedBy, &created, &s.PromotedVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("simulation", id)
	}
	if err != nil {
		return nil, t.s.wrap("get_simulation", err)
	}
	if err := json.Unmarshal([]byte(rules), &s.DraftRules); err != nil {
		return nil, t.s.wrap("decode_draft_rules", err)
	}
	if results != "" {
		s.Results = &governance.SimulationResults{}
		if err := json.Unmarshal([]byte(results), s.Results); err != nil {
			return nil, t.s.wrap("decode_results", err)
		}
	}
	s.CreatedAt = fromNanos(created)
	return &s, nil
}

// Work units

const workUnitColumns = `id, repo_full_name, commit_sha, pr_number, state, rules_revision, attempts,
	decision_id, result, final_status, rationale, payload, created_at, updated_at`

func scanWorkUnit(row rowScanner) (*governance.WorkUnit, error) {
	var (
		w                governance.WorkUnit
		payload          string
		created, updated int64
	)
	if err := row.Scan(&w.ID, &w.RepoFullName, &w.CommitSHA, &w.PRNumber, &w.State, &w.RulesRevision, &w.Attempts,
		&w.DecisionID, &w.Result, &w.FinalStatus, &w.Rationale, &payload, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &w.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", w.ID, err)
	}
	w.CreatedAt = fromNanos(created)
	w.UpdatedAt = fromNanos(updated)
	return &w, nil
}

func (t *sqlTx) ClaimWorkUnit(ctx context.Context, w *governance.WorkUnit) (*governance.WorkUnit, bool, error) {
	payload, err := toJSON(w.Payload)
	if err != nil {
		return nil, false, t.s.wrap("encode_payload", err)
	}
	n, err := t.affected(ctx, "claim_work_unit", `INSERT INTO work_units (`+workUnitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_full_name, commit_sha) DO NOTHING`,
		w.ID, w.RepoFullName, w.CommitSHA, w.PRNumber, w.State, w.RulesRevision, w.Attempts,
		w.DecisionID, w.Result, w.FinalStatus, w.Rationale, payload, toNanos(w.CreatedAt), toNanos(w.UpdatedAt))
	if err != nil {
		return nil, false, err
	}
	unit, err := t.GetWorkUnit(ctx, w.Key())
	if err != nil {
		return nil, false, err
	}
	return unit, n == 1, nil
}

func (t *sqlTx) GetWorkUnit(ctx context.Context, key governance.ScopeKey) (*governance.WorkUnit, error) {
	w, err := scanWorkUnit(t.queryRow(ctx, `SELECT `+workUnitColumns+` FROM work_units
		WHERE repo_full_name = ? AND commit_sha = ?`, key.Repo, key.CommitSHA))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, governance.NewNotFoundError("work unit", key.String())
	}
	if err != nil {
		return nil, t.s.wrap("get_work_unit", err)
	}
	return w, nil
}

func (t *sqlTx) workUnitExists(ctx context.Context, id string) error {
	ok, err := t.exists(ctx, `SELECT 1 FROM work_units WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !ok {
		return governance.NewNotFoundError("work unit", id)
	}
	return nil
}

func (t *sqlTx) FinalizeWorkUnit(ctx context.Context, p governance.FinalizeParams) (bool, error) {
	n, err := t.affected(ctx, "finalize_work_unit", `UPDATE work_units
		SET state = ?, decision_id = ?, result = ?, final_status = ?, rationale = ?, updated_at = ?
		WHERE id = ? AND state = ? AND rules_revision = ?
		AND rules_revision = (SELECT COUNT(*) FROM policy_versions)`,
		governance.WorkFinal, p.DecisionID, p.Result, p.FinalStatus, p.Rationale, toNanos(p.At),
		p.ID, governance.WorkPending, p.RulesRevision)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, t.workUnitExists(ctx, p.ID)
}

func (t *sqlTx) ClaimRetry(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := t.affected(ctx, "claim_retry", `UPDATE work_units
		SET attempts = 1, rules_revision = (SELECT COUNT(*) FROM policy_versions), updated_at = ?
		WHERE id = ? AND state = ? AND attempts = 0`,
		toNanos(at), id, governance.WorkPending)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, t.workUnitExists(ctx, id)
}

func (t *sqlTx) AdoptWorkUnit(ctx context.Context, id string, staleRevision int64, at time.Time) (bool, error) {
	n, err := t.affected(ctx, "adopt_work_unit", `UPDATE work_units
		SET rules_revision = (SELECT COUNT(*) FROM policy_versions), updated_at = ?
		WHERE id = ? AND state = ? AND rules_revision = ?
		AND rules_revision <> (SELECT COUNT(*) FROM policy_versions)`,
		toNanos(at), id, governance.WorkPending, staleRevision)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, t.workUnitExists(ctx, id)
}

func (t *sqlTx) SupersedeWorkUnit(ctx context.Context, previousDecisionID string, p governance.FinalizeParams) (bool, error) {
	n, err := t.affected(ctx, "supersede_work_unit", `UPDATE work_units
		SET decision_id = ?, result = ?, final_status = ?, rationale = ?, updated_at = ?
		WHERE id = ? AND state = ? AND decision_id = ?`,
		p.DecisionID, p.Result, p.FinalStatus, p.Rationale, toNanos(p.At),
		p.ID, governance.WorkFinal, previousDecisionID)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, t.workUnitExists(ctx, p.ID)
}

func (t *sqlTx) ListStuckWorkUnits(ctx context.Context, olderThan time.Time, limit int) ([]*governance.WorkUnit, error) {
	query := `SELECT ` + workUnitColumns + ` FROM work_units
		WHERE state = ? AND attempts = 0 AND updated_at < ? ORDER BY updated_at`
	args := []any{governance.WorkPending, toNanos(olderThan)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_stuck_work_units", err)
	}
	defer rows.Close()

	out := []*governance.WorkUnit{}
	for rows.Next() {
		w, err := scanWorkUnit(rows)
		if err != nil {
			return nil, t.s.wrap("scan_work_unit", err)
		}
		out = append(out, w)
	}
	return out, t.s.wrap("list_stuck_work_units", rows.Err())
}

// Governance memory

func (t *sqlTx) IncrementPolicyMetric(ctx context.Context, d governance.MetricDelta, at time.Time) error {
	_, err := t.exec(ctx, `INSERT INTO policy_metrics
		(policy_id, version_id, total_evaluations, total_blocks, total_overrides, challenge_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (policy_id, version_id) DO UPDATE SET
			total_evaluations = policy_metrics.total_evaluations + excluded.total_evaluations,
			total_blocks = policy_metrics.total_blocks + excluded.total_blocks,
			total_overrides = policy_metrics.total_overrides + excluded.total_overrides,
			challenge_count = policy_metrics.challenge_count + excluded.challenge_count,
			updated_at = excluded.updated_at`,
		d.PolicyID, d.VersionID, d.Evaluations, d.Blocks, d.Overrides, d.Challenges, toNanos(at))
	return t.s.wrap("increment_policy_metric", err)
}

func (t *sqlTx) ListPolicyMetrics(ctx context.Context, policyID string) ([]*governance.PolicyMetric, error) {
	query := `SELECT policy_id, version_id, total_evaluations, total_blocks, total_overrides, challenge_count, updated_at
		FROM policy_metrics`
	var args []any
	if policyID != "" {
		query += ` WHERE policy_id = ?`
		args = append(args, policyID)
	}
	query += ` ORDER BY policy_id, version_id`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_policy_metrics", err)
	}
	defer rows.Close()

	out := []*governance.PolicyMetric{}
	for rows.Next() {
		var (
			m       governance.PolicyMetric
			updated int64
		)
		if err := rows.Scan(&m.PolicyID, &m.VersionID, &m.TotalEvaluations, &m.TotalBlocks,
			&m.TotalOverrides, &m.ChallengeCount, &updated); err != nil {
			return nil, t.s.wrap("scan_policy_metric", err)
		}
		m.UpdatedAt = fromNanos(updated)
		out = append(out, &m)
	}
	return out, t.s.wrap("list_policy_metrics", rows.Err())
}

func (t *sqlTx) InsertSignal(ctx context.Context, s *governance.Signal) error {
	metadata, err := toJSON(s.Metadata)
	if err != nil {
		return t.s.wrap("encode_signal_metadata", err)
	}
	_, err = t.exec(ctx, `INSERT INTO signals (id, type, target_id, signal_level, metadata, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM signals))`,
		s.ID, s.Type, s.TargetID, s.Level, metadata, toNanos(s.CreatedAt))
	return t.s.wrap("insert_signal", err)
}

func (t *sqlTx) ListSignals(ctx context.Context, f governance.SignalFilter) ([]*governance.Signal, error) {
	query := `SELECT id, type, target_id, signal_level, metadata, created_at FROM signals WHERE 1=1`
	var args []any
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(f.Since))
	}
	query += ` ORDER BY seq DESC`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.s.wrap("list_signals", err)
	}
	defer rows.Close()

	out := []*governance.Signal{}
	for rows.Next() {
		var (
			s        governance.Signal
			metadata string
			created  int64
		)
		if err := rows.Scan(&s.ID, &s.Type, &s.TargetID, &s.Level, &metadata, &created); err != nil {
			return nil, t.s.wrap("scan_signal", err)
		}
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return nil, t.s.wrap("decode_signal_metadata", err)
		}
		s.CreatedAt = fromNanos(created)
		out = append(out, &s)
	}
	return out, t.s.wrap("list_signals", rows.Err())
}

var (
	_ governance.Store = (*SQLStore)(nil)
	_ governance.Store = (*MemoryStore)(nil)
)
