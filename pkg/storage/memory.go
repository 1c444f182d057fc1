package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mercator-hq/prgate/pkg/governance"
)

// MemoryStore is an in-process governance.Store. Transactions are serialized
// by a single mutex and rolled back by restoring a copy of the indexes, so
// stored records are treated as immutable and replaced, never edited.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	closed bool
	logger *slog.Logger
}

type memState struct {
	policies      map[string]*governance.Policy
	versions      map[string]*governance.PolicyVersion
	rulesRevision int64

	snapshots     map[string]*governance.FactSnapshot
	snapshotKeys  map[governance.ScopeKey]string
	snapshotOrder []string

	decisions     map[string]*governance.Decision
	decisionOrder []string

	overrides   map[string]*governance.Override
	signatures  map[string][]*governance.OverrideSignature
	revocations map[string]*governance.OverrideRevocation

	simulations map[string]*governance.PolicySimulation

	workUnits map[governance.ScopeKey]*governance.WorkUnit
	workByID  map[string]governance.ScopeKey

	metrics map[string]*governance.PolicyMetric
	signals []*governance.Signal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			policies:     make(map[string]*governance.Policy),
			versions:     make(map[string]*governance.PolicyVersion),
			snapshots:    make(map[string]*governance.FactSnapshot),
			snapshotKeys: make(map[governance.ScopeKey]string),
			decisions:    make(map[string]*governance.Decision),
			overrides:    make(map[string]*governance.Override),
			signatures:   make(map[string][]*governance.OverrideSignature),
			revocations:  make(map[string]*governance.OverrideRevocation),
			simulations:  make(map[string]*governance.PolicySimulation),
			workUnits:    make(map[governance.ScopeKey]*governance.WorkUnit),
			workByID:     make(map[string]governance.ScopeKey),
			metrics:      make(map[string]*governance.PolicyMetric),
		},
		logger: slog.Default().With("component", "storage.memory"),
	}
}

// WithTx runs fn with exclusive access and restores the previous state if fn fails.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx governance.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewStorageError("memory", "begin", fmt.Errorf("store is closed"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	saved := s.state.clone()
	if err := fn(&memTx{st: s.state}); err != nil {
		s.state = saved
		return err
	}
	return nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Backend returns "memory".
func (s *MemoryStore) Backend() string { return "memory" }

// Close releases the store. Further transactions fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logger.Debug("memory store closed")
	return nil
}

func (st *memState) clone() *memState {
	c := &memState{
		policies:      make(map[string]*governance.Policy, len(st.policies)),
		versions:      make(map[string]*governance.PolicyVersion, len(st.versions)),
		rulesRevision: st.rulesRevision,
		snapshots:     make(map[string]*governance.FactSnapshot, len(st.snapshots)),
		snapshotKeys:  make(map[governance.ScopeKey]string, len(st.snapshotKeys)),
		snapshotOrder: append([]string(nil), st.snapshotOrder...),
		decisions:     make(map[string]*governance.Decision, len(st.decisions)),
		decisionOrder: append([]string(nil), st.decisionOrder...),
		overrides:     make(map[string]*governance.Override, len(st.overrides)),
		signatures:    make(map[string][]*governance.OverrideSignature, len(st.signatures)),
		revocations:   make(map[string]*governance.OverrideRevocation, len(st.revocations)),
		simulations:   make(map[string]*governance.PolicySimulation, len(st.simulations)),
		workUnits:     make(map[governance.ScopeKey]*governance.WorkUnit, len(st.workUnits)),
		workByID:      make(map[string]governance.ScopeKey, len(st.workByID)),
		metrics:       make(map[string]*governance.PolicyMetric, len(st.metrics)),
		signals:       append([]*governance.Signal(nil), st.signals...),
	}
	for k, v := range st.policies {
		c.policies[k] = v
	}
	for k, v := range st.versions {
		c.versions[k] = v
	}
	for k, v := range st.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range st.snapshotKeys {
		c.snapshotKeys[k] = v
	}
	for k, v := range st.decisions {
		c.decisions[k] = v
	}
	for k, v := range st.overrides {
		c.overrides[k] = v
	}
	for k, v := range st.signatures {
		c.signatures[k] = append([]*governance.OverrideSignature(nil), v...)
	}
	for k, v := range st.revocations {
		c.revocations[k] = v
	}
	for k, v := range st.simulations {
		c.simulations[k] = v
	}
	for k, v := range st.workUnits {
		c.workUnits[k] = v
	}
	for k, v := range st.workByID {
		c.workByID[k] = v
	}
	for k, v := range st.metrics {
		c.metrics[k] = v
	}
	return c
}

// memTx operates on the locked state. Every returned record is a copy.
type memTx struct {
	st *memState
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", governance.ErrConflict, fmt.Sprintf(format, args...))
}

func (t *memTx) CreatePolicy(ctx context.Context, p *governance.Policy) error {
	if _, ok := t.st.policies[p.ID]; ok {
		return conflict("policy %q already exists", p.ID)
	}
	c := *p
	t.st.policies[p.ID] = &c
	return nil
}

func (t *memTx) GetPolicy(ctx context.Context, id string) (*governance.Policy, error) {
	p, ok := t.st.policies[id]
	if !ok {
		return nil, governance.NewNotFoundError("policy", id)
	}
	c := *p
	return &c, nil
}

func (t *memTx) ListPolicies(ctx context.Context, f governance.PolicyFilter) ([]*governance.Policy, error) {
	out := []*governance.Policy{}
	for _, p := range t.st.policies {
		if f.Scope != "" && p.Scope != f.Scope {
			continue
		}
		if f.TargetID != "" && p.TargetID != f.TargetID {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreatePolicyVersion(ctx context.Context, v *governance.PolicyVersion) error {
	if _, ok := t.st.policies[v.PolicyID]; !ok {
		return governance.NewNotFoundError("policy", v.PolicyID)
	}
	if _, ok := t.st.versions[v.ID]; ok {
		return conflict("policy version %q already exists", v.ID)
	}
	for _, existing := range t.st.versions {
		if existing.PolicyID == v.PolicyID && existing.VersionNumber == v.VersionNumber {
			return conflict("policy %q already has version %d", v.PolicyID, v.VersionNumber)
		}
	}
	c := *v
	t.st.versions[v.ID] = &c
	t.st.rulesRevision++
	return nil
}

func (t *memTx) GetPolicyVersion(ctx context.Context, id string) (*governance.PolicyVersion, error) {
	v, ok := t.st.versions[id]
	if !ok {
		return nil, governance.NewNotFoundError("policy version", id)
	}
	c := *v
	return &c, nil
}

func (t *memTx) LatestPolicyVersion(ctx context.Context, policyID string) (*governance.PolicyVersion, error) {
	var latest *governance.PolicyVersion
	for _, v := range t.st.versions {
		if v.PolicyID != policyID {
			continue
		}
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return nil, governance.NewNotFoundError("policy version", policyID)
	}
	c := *latest
	return &c, nil
}

func (t *memTx) ListPolicyVersions(ctx context.Context, policyID string) ([]*governance.PolicyVersion, error) {
	out := []*governance.PolicyVersion{}
	for _, v := range t.st.versions {
		if v.PolicyID == policyID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (t *memTx) EffectiveVersions(ctx context.Context, scope governance.Scope, targetID string, at time.Time) ([]governance.EffectiveVersion, error) {
	best := map[string]*governance.PolicyVersion{}
	for _, v := range t.st.versions {
		p, ok := t.st.policies[v.PolicyID]
		if !ok || p.Scope != scope || p.TargetID != targetID {
			continue
		}
		if v.CreatedAt.After(at) {
			continue
		}
		if cur, ok := best[v.PolicyID]; !ok || v.VersionNumber > cur.VersionNumber {
			best[v.PolicyID] = v
		}
	}

	out := make([]governance.EffectiveVersion, 0, len(best))
	for policyID, v := range best {
		p := *t.st.policies[policyID]
		vc := *v
		out = append(out, governance.EffectiveVersion{Policy: &p, Version: &vc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Policy.ID < out[j].Policy.ID })
	return out, nil
}

func (t *memTx) RulesRevision(ctx context.Context) (int64, error) {
	return t.st.rulesRevision, nil
}

func (t *memTx) InsertSnapshot(ctx context.Context, s *governance.FactSnapshot) (*governance.FactSnapshot, bool, error) {
	if id, ok := t.st.snapshotKeys[s.Key()]; ok {
		c := *t.st.snapshots[id]
		return &c, false, nil
	}
	c := *s
	t.st.snapshots[s.ID] = &c
	t.st.snapshotKeys[s.Key()] = s.ID
	t.st.snapshotOrder = append(t.st.snapshotOrder, s.ID)
	out := c
	return &out, true, nil
}

func (t *memTx) GetSnapshot(ctx context.Context, id string) (*governance.FactSnapshot, error) {
	s, ok := t.st.snapshots[id]
	if !ok {
		return nil, governance.NewNotFoundError("fact snapshot", id)
	}
	c := *s
	return &c, nil
}

func (t *memTx) GetSnapshotByKey(ctx context.Context, key governance.ScopeKey) (*governance.FactSnapshot, error) {
	id, ok := t.st.snapshotKeys[key]
	if !ok {
		return nil, governance.NewNotFoundError("fact snapshot", key.String())
	}
	c := *t.st.snapshots[id]
	return &c, nil
}

func (t *memTx) ListSnapshots(ctx context.Context, f governance.SnapshotFilter) ([]*governance.FactSnapshot, error) {
	repos := map[string]bool{}
	for _, r := range f.Repos {
		repos[r] = true
	}

	out := []*governance.FactSnapshot{}
	for i := len(t.st.snapshotOrder) - 1; i >= 0; i-- {
		s := t.st.snapshots[t.st.snapshotOrder[i]]
		if len(repos) > 0 && !repos[s.RepoFullName] {
			continue
		}
		if f.RepoPrefix != "" && !strings.HasPrefix(s.RepoFullName, f.RepoPrefix) {
			continue
		}
		c := *s
		out = append(out, &c)
	}

	// Newest first; insertion order breaks ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) InsertDecision(ctx context.Context, d *governance.Decision) error {
	if _, ok := t.st.decisions[d.ID]; ok {
		return conflict("decision %q already exists", d.ID)
	}
	if _, ok := t.st.snapshots[d.FactID]; !ok {
		return governance.NewNotFoundError("fact snapshot", d.FactID)
	}
	if d.OverrideID != "" {
		for _, existing := range t.st.decisions {
			if existing.OverrideID == d.OverrideID {
				return conflict("override %q already bound to decision %q", d.OverrideID, existing.ID)
			}
		}
	}
	c := *d
	t.st.decisions[d.ID] = &c
	t.st.decisionOrder = append(t.st.decisionOrder, d.ID)
	return nil
}

func (t *memTx) GetDecision(ctx context.Context, id string) (*governance.Decision, error) {
	d, ok := t.st.decisions[id]
	if !ok {
		return nil, governance.NewNotFoundError("decision", id)
	}
	c := *d
	return &c, nil
}

func (t *memTx) LatestDecisionForFact(ctx context.Context, factID string) (*governance.Decision, error) {
	for i := len(t.st.decisionOrder) - 1; i >= 0; i-- {
		d := t.st.decisions[t.st.decisionOrder[i]]
		if d.FactID == factID {
			c := *d
			return &c, nil
		}
	}
	return nil, governance.NewNotFoundError("decision for fact", factID)
}

func (t *memTx) ListDecisionsForFact(ctx context.Context, factID string) ([]*governance.Decision, error) {
	out := []*governance.Decision{}
	for _, id := range t.st.decisionOrder {
		d := t.st.decisions[id]
		if d.FactID == factID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memTx) AttachOverride(ctx context.Context, decisionID, overrideID string) error {
	d, ok := t.st.decisions[decisionID]
	if !ok {
		return governance.NewNotFoundError("decision", decisionID)
	}
	if d.OverrideID != "" {
		return conflict("decision %q already has override %q", decisionID, d.OverrideID)
	}
	for _, existing := range t.st.decisions {
		if existing.OverrideID == overrideID {
			return conflict("override %q already bound to decision %q", overrideID, existing.ID)
		}
	}
	c := *d
	c.OverrideID = overrideID
	t.st.decisions[decisionID] = &c
	return nil
}

func (t *memTx) InsertOverride(ctx context.Context, o *governance.Override) error {
	if _, ok := t.st.decisions[o.DecisionID]; !ok {
		return governance.NewNotFoundError("decision", o.DecisionID)
	}
	if _, ok := t.st.overrides[o.ID]; ok {
		return conflict("override %q already exists", o.ID)
	}
	for _, existing := range t.st.overrides {
		if existing.DecisionID == o.DecisionID {
			return conflict("decision %q already has override %q", o.DecisionID, existing.ID)
		}
	}
	c := *o
	t.st.overrides[o.ID] = &c
	return nil
}

func (t *memTx) GetOverride(ctx context.Context, id string) (*governance.Override, error) {
	o, ok := t.st.overrides[id]
	if !ok {
		return nil, governance.NewNotFoundError("override", id)
	}
	c := *o
	return &c, nil
}

func (t *memTx) ListOverrides(ctx context.Context, f governance.OverrideFilter) ([]*governance.Override, error) {
	out := []*governance.Override{}
	for _, o := range t.st.overrides {
		if f.Repo != "" && o.RepoFullName != f.Repo {
			continue
		}
		if f.PRNumber != 0 && o.PRNumber != f.PRNumber {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if !f.ExpiresBefore.IsZero() && !o.ExpiresAt.Before(f.ExpiresBefore) {
			continue
		}
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) TransitionOverride(ctx context.Context, id string, from, to governance.OverrideStatus) (bool, error) {
	o, ok := t.st.overrides[id]
	if !ok {
		return false, governance.NewNotFoundError("override", id)
	}
	if o.Status != from {
		return false, nil
	}
	c := *o
	c.Status = to
	t.st.overrides[id] = &c
	return true, nil
}

func (t *memTx) CountOverridesSince(ctx context.Context, repo string, since time.Time) (int, error) {
	n := 0
	for _, o := range t.st.overrides {
		if o.RepoFullName == repo && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertSignature(ctx context.Context, s *governance.OverrideSignature) error {
	if _, ok := t.st.overrides[s.OverrideID]; !ok {
		return governance.NewNotFoundError("override", s.OverrideID)
	}
	for _, existing := range t.st.signatures[s.OverrideID] {
		if existing.ActorID == s.ActorID {
			return conflict("actor %q already signed override %q", s.ActorID, s.OverrideID)
		}
	}
	c := *s
	t.st.signatures[s.OverrideID] = append(t.st.signatures[s.OverrideID], &c)
	return nil
}

func (t *memTx) ListSignatures(ctx context.Context, overrideID string) ([]*governance.OverrideSignature, error) {
	out := []*governance.OverrideSignature{}
	for _, s := range t.st.signatures[overrideID] {
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (t *memTx) InsertRevocation(ctx context.Context, r *governance.OverrideRevocation) error {
	if _, ok := t.st.overrides[r.OverrideID]; !ok {
		return governance.NewNotFoundError("override", r.OverrideID)
	}
	if _, ok := t.st.revocations[r.OverrideID]; ok {
		return conflict("override %q already revoked", r.OverrideID)
	}
	c := *r
	t.st.revocations[r.OverrideID] = &c
	return nil
}

func (t *memTx) GetRevocation(ctx context.Context, overrideID string) (*governance.OverrideRevocation, error) {
	r, ok := t.st.revocations[overrideID]
	if !ok {
		return nil, governance.NewNotFoundError("override revocation", overrideID)
	}
	c := *r
	return &c, nil
}

func (t *memTx) InsertSimulation(ctx context.Context, s *governance.PolicySimulation) error {
	if _, ok := t.st.simulations[s.ID]; ok {
		return conflict("simulation %q already exists", s.ID)
	}
	c := *s
	t.st.simulations[s.ID] = &c
	return nil
}

func (t *memTx) UpdateSimulation(ctx context.Context, s *governance.PolicySimulation) error {
	if _, ok := t.st.simulations[s.ID]; !ok {
		return governance.NewNotFoundError("simulation", s.ID)
	}
	c := *s
	t.st.simulations[s.ID] = &c
	return nil
}

func (t *memTx) GetSimulation(ctx context.Context, id string) (*governance.PolicySimulation, error) {
	s, ok := t.st.simulations[id]
	if !ok {
		return nil, governance.NewNotFoundError("simulation", id)
	}
	c := *s
	return &c, nil
}

func (t *memTx) ClaimWorkUnit(ctx context.Context, w *governance.WorkUnit) (*governance.WorkUnit, bool, error) {
	if existing, ok := t.st.workUnits[w.Key()]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *w
	t.st.workUnits[w.Key()] = &c
	t.st.workByID[w.ID] = w.Key()
	out := c
	return &out, true, nil
}

func (t *memTx) GetWorkUnit(ctx context.Context, key governance.ScopeKey) (*governance.WorkUnit, error) {
	w, ok := t.st.workUnits[key]
	if !ok {
		return nil, governance.NewNotFoundError("work unit", key.String())
	}
	c := *w
	return &c, nil
}

func (t *memTx) FinalizeWorkUnit(ctx context.Context, p governance.FinalizeParams) (bool, error) {
	key, ok := t.st.workByID[p.ID]
	if !ok {
		return false, governance.NewNotFoundError("work unit", p.ID)
	}
	w := t.st.workUnits[key]
	if w.State != governance.WorkPending || w.RulesRevision != p.RulesRevision || t.st.rulesRevision != p.RulesRevision {
		return false, nil
	}
	c := *w
	c.State = governance.WorkFinal
	c.DecisionID = p.DecisionID
	c.Result = p.Result
	c.FinalStatus = p.FinalStatus
	c.Rationale = p.Rationale
	c.UpdatedAt = p.At
	t.st.workUnits[key] = &c
	return true, nil
}

func (t *memTx) ClaimRetry(ctx context.Context, id string, at time.Time) (bool, error) {
	key, ok := t.st.workByID[id]
	if !ok {
		return false, governance.NewNotFoundError("work unit", id)
	}
	w := t.st.workUnits[key]
	if w.State != governance.WorkPending || w.Attempts != 0 {
		return false, nil
	}
	c := *w
	c.Attempts = 1
	c.RulesRevision = t.st.rulesRevision
	c.UpdatedAt = at
	t.st.workUnits[key] = &c
	return true, nil
}

func (t *memTx) AdoptWorkUnit(ctx context.Context, id string, staleRevision int64, at time.Time) (bool, error) {
	key, ok := t.st.workByID[id]
	if !ok {
		return false, governance.NewNotFoundError("work unit", id)
	}
	w := t.st.workUnits[key]
	if w.State != governance.WorkPending || w.RulesRevision != staleRevision || t.st.rulesRevision == staleRevision {
		return false, nil
	}
	c := *w
	c.RulesRevision = t.st.rulesRevision
	c.UpdatedAt = at
	t.st.workUnits[key] = &c
	return true, nil
}

func (t *memTx) SupersedeWorkUnit(ctx context.Context, previousDecisionID string, p governance.FinalizeParams) (bool, error) {
	key, ok := t.st.workByID[p.ID]
	if !ok {
		return false, governance.NewNotFoundError("work unit", p.ID)
	}
	w := t.st.workUnits[key]
	if w.State != governance.WorkFinal || w.DecisionID != previousDecisionID {
		return false, nil
	}
	c := *w
	c.DecisionID = p.DecisionID
	c.Result = p.Result
	c.FinalStatus = p.FinalStatus
	c.Rationale = p.Rationale
	c.UpdatedAt = p.At
	t.st.workUnits[key] = &c
	return true, nil
}

func (t *memTx) ListStuckWorkUnits(ctx context.Context, olderThan time.Time, limit int) ([]*governance.WorkUnit, error) {
	out := []*governance.WorkUnit{}
	for _, w := range t.st.workUnits {
		if w.State == governance.WorkPending && w.Attempts == 0 && w.UpdatedAt.Before(olderThan) {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func metricKey(policyID, versionID string) string {
	return policyID + "\x00" + versionID
}

func (t *memTx) IncrementPolicyMetric(ctx context.Context, d governance.MetricDelta, at time.Time) error {
	key := metricKey(d.PolicyID, d.VersionID)
	c := governance.PolicyMetric{PolicyID: d.PolicyID, VersionID: d.VersionID}
	if existing, ok := t.st.metrics[key]; ok {
		c = *existing
	}
	c.TotalEvaluations += d.Evaluations
	c.TotalBlocks += d.Blocks
	c.TotalOverrides += d.Overrides
	c.ChallengeCount += d.Challenges
	c.UpdatedAt = at
	t.st.metrics[key] = &c
	return nil
}

func (t *memTx) ListPolicyMetrics(ctx context.Context, policyID string) ([]*governance.PolicyMetric, error) {
	out := []*governance.PolicyMetric{}
	for _, m := range t.st.metrics {
		if policyID == "" || m.PolicyID == policyID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID != out[j].PolicyID {
			return out[i].PolicyID < out[j].PolicyID
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out, nil
}

func (t *memTx) InsertSignal(ctx context.Context, s *governance.Signal) error {
	c := *s
	t.st.signals = append(t.st.signals, &c)
	return nil
}

func (t *memTx) ListSignals(ctx context.Context, f governance.SignalFilter) ([]*governance.Signal, error) {
	out := []*governance.Signal{}
	for i := len(t.st.signals) - 1; i >= 0; i-- {
		s := t.st.signals[i]
		if f.TargetID != "" && s.TargetID != f.TargetID {
			continue
		}
		if f.Type != "" && s.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && s.CreatedAt.Before(f.Since) {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	return out, nil
}
