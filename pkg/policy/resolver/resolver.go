// Package resolver selects the policy versions that apply to a change.
//
// Resolution is hierarchical: organization policies are fetched first, then
// repository policies. For each policy only the latest version created at or
// before the snapshot time is considered, so re-running an old snapshot sees
// the rules that were in force when it was captured.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"mercator-hq/prgate/pkg/governance"
)

const (
	reasonOrg  = "Org-level policy"
	reasonRepo = "Repo-level policy"
)

// Request identifies what is being resolved.
type Request struct {
	OrgID        string
	RepoID       string
	ChangedPaths []string
	// At is the snapshot time; versions created after it are ignored.
	At time.Time
}

// Resolver reads effective policy versions from the ledger.
type Resolver struct {
	store  governance.Store
	logger *slog.Logger
}

// New creates a Resolver over store.
func New(store governance.Store) *Resolver {
	return &Resolver{
		store:  store,
		logger: slog.Default().With("component", "policy.resolver"),
	}
}

// Resolve returns the applicable policies for req sorted by policy id.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]governance.AppliedPolicy, error) {
	var candidates []governance.AppliedPolicy

	err := r.store.WithTx(ctx, func(tx governance.Tx) error {
		candidates = candidates[:0]
		return r.collect(ctx, tx, req, &candidates)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve policies for %s: %w", req.RepoID, err)
	}

	resolved := ResolveConflicts(candidates)

	r.logger.Debug("resolved policies",
		"org", req.OrgID,
		"repo", req.RepoID,
		"paths", len(req.ChangedPaths),
		"candidates", len(candidates),
		"resolved", len(resolved),
	)
	return resolved, nil
}

// ResolveInTx is Resolve inside a caller-owned transaction.
func (r *Resolver) ResolveInTx(ctx context.Context, tx governance.Tx, req Request) ([]governance.AppliedPolicy, error) {
	var candidates []governance.AppliedPolicy
	if err := r.collect(ctx, tx, req, &candidates); err != nil {
		return nil, err
	}
	return ResolveConflicts(candidates), nil
}

func (r *Resolver) collect(ctx context.Context, tx governance.Tx, req Request, out *[]governance.AppliedPolicy) error {
	paths := make([]string, 0, len(req.ChangedPaths))
	for _, p := range req.ChangedPaths {
		paths = append(paths, NormalizePath(p))
	}

	levels := []struct {
		scope  governance.Scope
		target string
		reason string
	}{
		{governance.ScopeOrg, req.OrgID, reasonOrg},
		{governance.ScopeRepo, req.RepoID, reasonRepo},
	}

	for _, lvl := range levels {
		if lvl.target == "" {
			continue
		}
		versions, err := tx.EffectiveVersions(ctx, lvl.scope, lvl.target, req.At)
		if err != nil {
			return err
		}
		for _, ev := range versions {
			if !Applies(ev.Version.Rules, paths) {
				continue
			}
			*out = append(*out, governance.AppliedPolicy{
				PolicyID:        ev.Policy.ID,
				PolicyVersionID: ev.Version.ID,
				VersionNumber:   ev.Version.VersionNumber,
				Scope:           ev.Policy.Scope,
				Level:           ev.Version.EnforcementLevel,
				Rules:           ev.Version.Rules,
				Reason:          lvl.reason,
			})
		}
	}
	return nil
}

// ResolveConflicts keeps one candidate per policy id and sorts the result by
// policy id. Between candidates for the same id, ORG beats REPO, then the
// stricter enforcement level wins, then the lexically smaller version id.
func ResolveConflicts(candidates []governance.AppliedPolicy) []governance.AppliedPolicy {
	winners := make(map[string]governance.AppliedPolicy, len(candidates))
	for _, c := range candidates {
		existing, ok := winners[c.PolicyID]
		if !ok || beats(c, existing) {
			winners[c.PolicyID] = c
		}
	}

	out := make([]governance.AppliedPolicy, 0, len(winners))
	for _, p := range winners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

func beats(a, b governance.AppliedPolicy) bool {
	if pa, pb := a.Scope.Precedence(), b.Scope.Precedence(); pa != pb {
		return pa > pb
	}
	if sa, sb := a.Level.Strictness(), b.Level.Strictness(); sa != sb {
		return sa > sb
	}
	return a.PolicyVersionID < b.PolicyVersionID
}

// Applies reports whether any of the normalized paths is included by rules
// and not excluded.
func Applies(rules governance.RulesLogic, paths []string) bool {
	_, ok := Trigger(rules, paths)
	return ok
}

// Trigger returns the first path that makes rules apply.
func Trigger(rules governance.RulesLogic, paths []string) (string, bool) {
	include := normalizeAll(rules.IncludePatterns())
	exclude := normalizeAll(rules.Exclude)

	for _, p := range paths {
		if matchAny(include, p) && !matchAny(exclude, p) {
			return p, true
		}
	}
	return "", false
}

// NormalizePath lower-cases p, converts backslashes and strips a leading "./".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	return strings.ToLower(p)
}

// Match reports whether path matches pattern. "*" matches everything, a
// trailing "/*" matches by prefix and anything else must match exactly.
func Match(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if Match(pattern, path) {
			return true
		}
	}
	return false
}

func normalizeAll(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, NormalizePath(p))
	}
	return out
}
