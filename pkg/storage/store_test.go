package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/prgate/pkg/governance"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against every backend available in this environment.
// PostgreSQL runs only when PRGATE_TEST_POSTGRES_DSN is set.
func forEachStore(t *testing.T, fn func(t *testing.T, store governance.Store)) {
	t.Helper()

	backends := []struct {
		name string
		open func(t *testing.T) governance.Store
	}{
		{"memory", func(t *testing.T) governance.Store { return NewMemoryStore() }},
		{DriverSQLite3, openSQLite(DriverSQLite3)},
		{DriverSQLite, openSQLite(DriverSQLite)},
	}
	if dsn := os.Getenv("PRGATE_TEST_POSTGRES_DSN"); dsn != "" {
		backends = append(backends, struct {
			name string
			open func(t *testing.T) governance.Store
		}{DriverPostgres, func(t *testing.T) governance.Store {
			store, err := NewSQLStore(&SQLConfig{Driver: DriverPostgres, DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2})
			if err != nil {
				t.Fatalf("Failed to open postgres: %v", err)
			}
			return store
		}})
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			t.Cleanup(func() { store.Close() })
			fn(t, store)
		})
	}
}

func openSQLite(driver string) func(t *testing.T) governance.Store {
	return func(t *testing.T) governance.Store {
		t.Helper()
		store, err := NewSQLStore(&SQLConfig{
			Driver:      driver,
			DSN:         filepath.Join(t.TempDir(), "test.db"),
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatalf("Failed to create %s storage: %v", driver, err)
		}
		return store
	}
}

// uniq namespaces ids so that a shared PostgreSQL database can be reused.
func uniq(t *testing.T, id string) string {
	return t.Name() + "/" + id
}

func seedPolicy(t *testing.T, tx governance.Tx, id string, scope governance.Scope, target string) {
	t.Helper()
	err := tx.CreatePolicy(context.Background(), &governance.Policy{
		ID: id, Name: id, Scope: scope, TargetID: target, CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("CreatePolicy(%s) failed: %v", id, err)
	}
}

func seedVersion(t *testing.T, tx governance.Tx, id, policyID string, n int, at time.Time) {
	t.Helper()
	err := tx.CreatePolicyVersion(context.Background(), &governance.PolicyVersion{
		ID:               id,
		PolicyID:         policyID,
		VersionNumber:    n,
		EnforcementLevel: governance.LevelMandatory,
		Rules:            governance.RulesLogic{Type: governance.CheckerCoverage, Params: &governance.CoverageParams{MinTests: n}},
		CreatedAt:        at,
		CreatedBy:        "tester",
	})
	if err != nil {
		t.Fatalf("CreatePolicyVersion(%s) failed: %v", id, err)
	}
}

func seedSnapshot(t *testing.T, tx governance.Tx, id, repo, sha string, at time.Time) *governance.FactSnapshot {
	t.Helper()
	s, created, err := tx.InsertSnapshot(context.Background(), &governance.FactSnapshot{
		ID:           id,
		RepoFullName: repo,
		PRNumber:     7,
		CommitSHA:    sha,
		Facts: governance.Facts{
			Changes: governance.ChangeFacts{TotalFiles: 1, Files: []governance.FileFact{{Path: "a.go", Extension: ".go", Status: "added"}}},
			Metadata: governance.DerivedFacts{
				PathPrefixes: []string{},
			},
		},
		SnapshotVersion: governance.SnapshotVersion,
		IngestedAt:      at,
	})
	if err != nil {
		t.Fatalf("InsertSnapshot(%s) failed: %v", id, err)
	}
	if !created {
		t.Fatalf("InsertSnapshot(%s) reported an existing row", id)
	}
	return s
}

func seedDecision(t *testing.T, tx governance.Tx, id, factID string, result governance.Verdict) {
	t.Helper()
	err := tx.InsertDecision(context.Background(), &governance.Decision{
		ID:             id,
		FactID:         factID,
		Result:         result,
		FinalStatus:    governance.StatusFailure,
		Rationale:      "r",
		EvaluationHash: "sha256:abc",
		EngineVersion:  governance.EngineVersion,
		CreatedAt:      base,
	})
	if err != nil {
		t.Fatalf("InsertDecision(%s) failed: %v", id, err)
	}
}

// TestStore_EffectiveVersions tests point-in-time version selection.
func TestStore_EffectiveVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")
		pol := uniq(t, "pol")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			seedPolicy(t, tx, pol, governance.ScopeRepo, repo)
			seedVersion(t, tx, pol+"-v1", pol, 1, base)
			seedVersion(t, tx, pol+"-v2", pol, 2, base.Add(time.Hour))
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		tests := []struct {
			name string
			at   time.Time
			want string
		}{
			{"before any version", base.Add(-time.Minute), ""},
			{"exactly at v1", base, pol + "-v1"},
			{"between versions", base.Add(30 * time.Minute), pol + "-v1"},
			{"after v2", base.Add(2 * time.Hour), pol + "-v2"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var got []governance.EffectiveVersion
				err := store.WithTx(ctx, func(tx governance.Tx) error {
					var err error
					got, err = tx.EffectiveVersions(ctx, governance.ScopeRepo, repo, tt.at)
					return err
				})
				if err != nil {
					t.Fatalf("EffectiveVersions failed: %v", err)
				}
				if tt.want == "" {
					if len(got) != 0 {
						t.Fatalf("Expected no versions, got %d", len(got))
					}
					return
				}
				if len(got) != 1 || got[0].Version.ID != tt.want {
					t.Fatalf("Expected %s, got %+v", tt.want, got)
				}
				if got[0].Version.Rules.Type != governance.CheckerCoverage {
					t.Errorf("Expected rules to round-trip, got %+v", got[0].Version.Rules)
				}
			})
		}
	})
}

// TestStore_PolicyVersionConflicts tests version uniqueness and missing parents.
func TestStore_PolicyVersionConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		pol := uniq(t, "pol")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			seedPolicy(t, tx, pol, governance.ScopeOrg, "acme")
			seedVersion(t, tx, pol+"-v1", pol, 1, base)
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.CreatePolicyVersion(ctx, &governance.PolicyVersion{
				ID: pol + "-dup", PolicyID: pol, VersionNumber: 1,
				EnforcementLevel: governance.LevelAdvisory,
				Rules:            governance.RulesLogic{Type: governance.CheckerPRSize},
				CreatedAt:        base,
			})
		})
		if !errors.Is(err, governance.ErrConflict) {
			t.Errorf("Expected ErrConflict for duplicate version number, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.CreatePolicyVersion(ctx, &governance.PolicyVersion{
				ID: uniq(t, "orphan"), PolicyID: uniq(t, "missing"), VersionNumber: 1,
				Rules: governance.RulesLogic{Type: governance.CheckerPRSize},
			})
		})
		if !errors.Is(err, governance.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing policy, got %v", err)
		}
	})
}

// TestStore_RollbackOnError tests that a failed transaction leaves no trace.
func TestStore_RollbackOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		pol := uniq(t, "pol")
		boom := errors.New("boom")

		var before int64
		err := store.WithTx(ctx, func(tx governance.Tx) error {
			var err error
			before, err = tx.RulesRevision(ctx)
			return err
		})
		if err != nil {
			t.Fatalf("RulesRevision failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			seedPolicy(t, tx, pol, governance.ScopeOrg, "acme")
			seedVersion(t, tx, pol+"-v1", pol, 1, base)
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected boom, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			if _, err := tx.GetPolicy(ctx, pol); !errors.Is(err, governance.ErrNotFound) {
				t.Errorf("Expected policy to be rolled back, got %v", err)
			}
			after, err := tx.RulesRevision(ctx)
			if err != nil {
				return err
			}
			if after != before {
				t.Errorf("Expected rules revision %d, got %d", before, after)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_SnapshotDeduplication tests that a scope key is stored once.
func TestStore_SnapshotDeduplication(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			first := seedSnapshot(t, tx, uniq(t, "s1"), repo, "abc", base)

			again, created, err := tx.InsertSnapshot(ctx, &governance.FactSnapshot{
				ID: uniq(t, "s2"), RepoFullName: repo, CommitSHA: "abc", PRNumber: 7,
				SnapshotVersion: governance.SnapshotVersion, IngestedAt: base.Add(time.Hour),
			})
			if err != nil {
				return err
			}
			if created {
				t.Error("Expected existing snapshot to be returned")
			}
			if again.ID != first.ID {
				t.Errorf("Expected snapshot %s, got %s", first.ID, again.ID)
			}
			if len(again.Facts.Changes.Files) != 1 || again.Facts.Changes.Files[0].Path != "a.go" {
				t.Errorf("Expected stored facts, got %+v", again.Facts.Changes)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_ListSnapshots tests ordering and repository filters.
func TestStore_ListSnapshots(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		prefix := uniq(t, "acme")
		oldID, midID, newID := uniq(t, "old"), uniq(t, "mid"), uniq(t, "new")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			seedSnapshot(t, tx, oldID, prefix+"/api", "1", base)
			seedSnapshot(t, tx, midID, prefix+"/web", "2", base.Add(time.Minute))
			seedSnapshot(t, tx, newID, prefix+"/api", "3", base.Add(2*time.Minute))
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		tests := []struct {
			name   string
			filter governance.SnapshotFilter
			want   []string
		}{
			{"prefix newest first", governance.SnapshotFilter{RepoPrefix: prefix + "/"}, []string{newID, midID, oldID}},
			{"exact repo", governance.SnapshotFilter{Repos: []string{prefix + "/api"}}, []string{newID, oldID}},
			{"limit", governance.SnapshotFilter{RepoPrefix: prefix + "/", Limit: 2}, []string{newID, midID}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var got []*governance.FactSnapshot
				err := store.WithTx(ctx, func(tx governance.Tx) error {
					var err error
					got, err = tx.ListSnapshots(ctx, tt.filter)
					return err
				})
				if err != nil {
					t.Fatalf("ListSnapshots failed: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("Expected %d snapshots, got %d", len(tt.want), len(got))
				}
				for i, s := range got {
					if s.ID != tt.want[i] {
						t.Errorf("Position %d: expected %s, got %s", i, tt.want[i], s.ID)
					}
				}
			})
		}
	})
}

// TestStore_AttachOverrideOnce tests the one-override-per-decision binding.
func TestStore_AttachOverrideOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		dec1, dec2 := uniq(t, "d1"), uniq(t, "d2")
		ovr1, ovr2, ovr3 := uniq(t, "ovr-1"), uniq(t, "ovr-2"), uniq(t, "ovr-3")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			snap := seedSnapshot(t, tx, uniq(t, "s1"), uniq(t, "acme/api"), "abc", base)
			seedDecision(t, tx, dec1, snap.ID, governance.VerdictBlock)
			seedDecision(t, tx, dec2, snap.ID, governance.VerdictBlock)
			return tx.AttachOverride(ctx, dec1, ovr1)
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.AttachOverride(ctx, dec1, ovr2)
		})
		if !errors.Is(err, governance.ErrConflict) {
			t.Errorf("Expected ErrConflict re-binding a decision, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.AttachOverride(ctx, dec2, ovr1)
		})
		if !errors.Is(err, governance.ErrConflict) {
			t.Errorf("Expected ErrConflict reusing an override, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.AttachOverride(ctx, uniq(t, "missing"), ovr3)
		})
		if !errors.Is(err, governance.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			d, err := tx.GetDecision(ctx, dec1)
			if err != nil {
				return err
			}
			if d.OverrideID != ovr1 {
				t.Errorf("Expected override %s, got %q", ovr1, d.OverrideID)
			}
			latest, err := tx.LatestDecisionForFact(ctx, d.FactID)
			if err != nil {
				return err
			}
			if latest.ID != dec2 {
				t.Errorf("Expected latest decision %s, got %s", dec2, latest.ID)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_OverrideLifecycle tests status transitions, signatures and revocations.
func TestStore_OverrideLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")
		ovr := uniq(t, "ovr")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			snap := seedSnapshot(t, tx, uniq(t, "s1"), repo, "abc", base)
			seedDecision(t, tx, uniq(t, "d1"), snap.ID, governance.VerdictBlock)
			return tx.InsertOverride(ctx, &governance.Override{
				ID: ovr, DecisionID: uniq(t, "d1"), EvaluationHash: "sha256:abc", TargetSHA: "abc",
				RepoFullName: repo, PRNumber: 7, Category: governance.CategoryFalsePositive,
				Status: governance.OverrideApproved, ExpiresAt: base.Add(time.Hour),
				CreatedBy: "alice", CreatedAt: base,
			})
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		sig := &governance.OverrideSignature{
			ID: uniq(t, "sig1"), OverrideID: ovr, ActorID: "alice", RoleAtSigning: "lead",
			Justification: "hotfix", CommitSHA: "abc", CreatedAt: base,
		}
		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.InsertSignature(ctx, sig)
		})
		if err != nil {
			t.Fatalf("InsertSignature failed: %v", err)
		}

		dup := *sig
		dup.ID = uniq(t, "sig2")
		err = store.WithTx(ctx, func(tx governance.Tx) error {
			return tx.InsertSignature(ctx, &dup)
		})
		if !errors.Is(err, governance.ErrConflict) {
			t.Errorf("Expected ErrConflict for second signature by same actor, got %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			n, err := tx.CountOverridesSince(ctx, repo, base.Add(-time.Hour))
			if err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("Expected 1 override, got %d", n)
			}

			expiring, err := tx.ListOverrides(ctx, governance.OverrideFilter{
				Status: governance.OverrideApproved, ExpiresBefore: base.Add(2 * time.Hour), Repo: repo,
			})
			if err != nil {
				return err
			}
			if len(expiring) != 1 {
				t.Errorf("Expected 1 expiring override, got %d", len(expiring))
			}

			ok, err := tx.TransitionOverride(ctx, ovr, governance.OverrideApproved, governance.OverrideRevoked)
			if err != nil || !ok {
				t.Fatalf("Expected transition to succeed, got %v %v", ok, err)
			}
			ok, err = tx.TransitionOverride(ctx, ovr, governance.OverrideApproved, governance.OverrideExpired)
			if err != nil || ok {
				t.Errorf("Expected second transition to be refused, got %v %v", ok, err)
			}
			return tx.InsertRevocation(ctx, &governance.OverrideRevocation{
				OverrideID: ovr, RevokedByActorID: "bob", Reason: "misuse", RevokedAt: base,
			})
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			o, err := tx.GetOverride(ctx, ovr)
			if err != nil {
				return err
			}
			if o.Status != governance.OverrideRevoked {
				t.Errorf("Expected REVOKED, got %s", o.Status)
			}
			if !o.ExpiresAt.Equal(base.Add(time.Hour)) {
				t.Errorf("Expected expiry to round-trip, got %v", o.ExpiresAt)
			}
			r, err := tx.GetRevocation(ctx, ovr)
			if err != nil {
				return err
			}
			if r.RevokedByActorID != "bob" {
				t.Errorf("Expected revoker bob, got %s", r.RevokedByActorID)
			}
			sigs, err := tx.ListSignatures(ctx, ovr)
			if err != nil {
				return err
			}
			if len(sigs) != 1 {
				t.Errorf("Expected 1 signature, got %d", len(sigs))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_FinalizeWorkUnit tests the guarded PENDING -> FINAL write.
func TestStore_FinalizeWorkUnit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")
		pol := uniq(t, "pol")

		var unit *governance.WorkUnit
		err := store.WithTx(ctx, func(tx governance.Tx) error {
			rev, err := tx.RulesRevision(ctx)
			if err != nil {
				return err
			}
			var created bool
			unit, created, err = tx.ClaimWorkUnit(ctx, &governance.WorkUnit{
				ID: uniq(t, "w1"), RepoFullName: repo, CommitSHA: "abc", PRNumber: 7,
				State: governance.WorkPending, RulesRevision: rev,
				Payload:   governance.Event{Owner: "acme", Repo: "api", PRNumber: 7, HeadSHA: "abc"},
				CreatedAt: base, UpdatedAt: base,
			})
			if err != nil {
				return err
			}
			if !created {
				t.Error("Expected first claim to create the unit")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			again, created, err := tx.ClaimWorkUnit(ctx, &governance.WorkUnit{
				ID: uniq(t, "w2"), RepoFullName: repo, CommitSHA: "abc",
				State: governance.WorkPending, CreatedAt: base, UpdatedAt: base,
			})
			if err != nil {
				return err
			}
			if created || again.ID != unit.ID {
				t.Errorf("Expected existing unit %s, got %s (created=%v)", unit.ID, again.ID, created)
			}
			if again.Payload.HeadSHA != "abc" {
				t.Errorf("Expected payload to round-trip, got %+v", again.Payload)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Second claim failed: %v", err)
		}

		// A new policy version invalidates the recorded revision.
		err = store.WithTx(ctx, func(tx governance.Tx) error {
			seedPolicy(t, tx, pol, governance.ScopeRepo, repo)
			seedVersion(t, tx, pol+"-v1", pol, 1, base)
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		params := governance.FinalizeParams{
			ID: unit.ID, RulesRevision: unit.RulesRevision, DecisionID: "d1",
			Result: governance.VerdictPass, FinalStatus: governance.StatusSuccess, At: base.Add(time.Minute),
		}
		err = store.WithTx(ctx, func(tx governance.Tx) error {
			ok, err := tx.FinalizeWorkUnit(ctx, params)
			if err != nil {
				return err
			}
			if ok {
				t.Error("Expected finalize to be refused after a rules change")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			ok, err := tx.ClaimRetry(ctx, unit.ID, base.Add(time.Minute))
			if err != nil || !ok {
				t.Fatalf("Expected retry to be granted, got %v %v", ok, err)
			}
			ok, err = tx.ClaimRetry(ctx, unit.ID, base.Add(2*time.Minute))
			if err != nil || ok {
				t.Errorf("Expected second retry to be refused, got %v %v", ok, err)
			}
			w, err := tx.GetWorkUnit(ctx, unit.Key())
			if err != nil {
				return err
			}
			params.RulesRevision = w.RulesRevision
			ok, err = tx.FinalizeWorkUnit(ctx, params)
			if err != nil || !ok {
				t.Fatalf("Expected finalize with current revision, got %v %v", ok, err)
			}
			ok, err = tx.FinalizeWorkUnit(ctx, params)
			if err != nil || ok {
				t.Errorf("Expected finalize of a FINAL unit to be refused, got %v %v", ok, err)
			}
			w, err = tx.GetWorkUnit(ctx, unit.Key())
			if err != nil {
				return err
			}
			if w.State != governance.WorkFinal || w.FinalStatus != governance.StatusSuccess {
				t.Errorf("Expected FINAL/SUCCESS, got %s/%s", w.State, w.FinalStatus)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_ListStuckWorkUnits tests recovery selection.
func TestStore_ListStuckWorkUnits(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			for i, sha := range []string{"a", "b"} {
				at := base.Add(time.Duration(i) * time.Hour)
				if _, _, err := tx.ClaimWorkUnit(ctx, &governance.WorkUnit{
					ID: uniq(t, sha), RepoFullName: repo, CommitSHA: sha,
					State: governance.WorkPending, CreatedAt: at, UpdatedAt: at,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			stuck, err := tx.ListStuckWorkUnits(ctx, base.Add(30*time.Minute), 0)
			if err != nil {
				return err
			}
			found := 0
			for _, w := range stuck {
				if w.RepoFullName == repo {
					found++
					if w.CommitSHA != "a" {
						t.Errorf("Expected only unit a, got %s", w.CommitSHA)
					}
				}
			}
			if found != 1 {
				t.Errorf("Expected 1 stuck unit, got %d", found)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_AdoptAndSupersedeWorkUnit tests the compare-and-set takeovers.
func TestStore_AdoptAndSupersedeWorkUnit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		repo := uniq(t, "acme/api")
		pol := uniq(t, "pol")

		var unit *governance.WorkUnit
		err := store.WithTx(ctx, func(tx governance.Tx) error {
			rev, err := tx.RulesRevision(ctx)
			if err != nil {
				return err
			}
			unit, _, err = tx.ClaimWorkUnit(ctx, &governance.WorkUnit{
				ID: uniq(t, "w"), RepoFullName: repo, CommitSHA: "abc", PRNumber: 7,
				State: governance.WorkPending, RulesRevision: rev,
				CreatedAt: base, UpdatedAt: base,
			})
			if err != nil {
				return err
			}

			ok, err := tx.AdoptWorkUnit(ctx, unit.ID, rev, base)
			if err != nil || ok {
				t.Errorf("Expected adopt of a current revision to be refused, got %v %v", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			seedPolicy(t, tx, pol, governance.ScopeRepo, repo)
			seedVersion(t, tx, pol+"-v1", pol, 1, base)

			ok, err := tx.AdoptWorkUnit(ctx, unit.ID, unit.RulesRevision, base.Add(time.Minute))
			if err != nil || !ok {
				t.Fatalf("Expected adopt after a rules change, got %v %v", ok, err)
			}
			ok, err = tx.AdoptWorkUnit(ctx, unit.ID, unit.RulesRevision, base.Add(time.Minute))
			if err != nil || ok {
				t.Errorf("Expected a second adopt to be refused, got %v %v", ok, err)
			}

			w, err := tx.GetWorkUnit(ctx, unit.Key())
			if err != nil {
				return err
			}
			current, err := tx.RulesRevision(ctx)
			if err != nil {
				return err
			}
			if w.RulesRevision != current || w.Attempts != 0 {
				t.Errorf("Expected revision %d and no retry used, got %d/%d", current, w.RulesRevision, w.Attempts)
			}

			ok, err = tx.FinalizeWorkUnit(ctx, governance.FinalizeParams{
				ID: unit.ID, RulesRevision: current, DecisionID: "d1",
				Result: governance.VerdictBlock, FinalStatus: governance.StatusFailure, At: base,
			})
			if err != nil || !ok {
				t.Fatalf("Expected finalize, got %v %v", ok, err)
			}

			next := governance.FinalizeParams{
				ID: unit.ID, DecisionID: "d2",
				Result: governance.VerdictBlock, FinalStatus: governance.StatusOverriddenPass, At: base.Add(time.Hour),
			}
			ok, err = tx.SupersedeWorkUnit(ctx, "other", next)
			if err != nil || ok {
				t.Errorf("Expected supersede from a stale decision to be refused, got %v %v", ok, err)
			}
			ok, err = tx.SupersedeWorkUnit(ctx, "d1", next)
			if err != nil || !ok {
				t.Fatalf("Expected supersede, got %v %v", ok, err)
			}

			w, err = tx.GetWorkUnit(ctx, unit.Key())
			if err != nil {
				return err
			}
			if w.DecisionID != "d2" || w.FinalStatus != governance.StatusOverriddenPass {
				t.Errorf("Expected d2/OVERRIDDEN_PASS, got %s/%s", w.DecisionID, w.FinalStatus)
			}

			if _, err := tx.AdoptWorkUnit(ctx, "missing", 0, base); !governance.IsNotFound(err) {
				t.Errorf("Expected NotFound, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_Simulations tests simulation insert and update.
func TestStore_Simulations(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		id := uniq(t, "sim")

		sim := &governance.PolicySimulation{
			ID: id, SimulationHash: "sha256:1", PolicyID: "pol",
			DraftRules:    governance.RulesLogic{Type: governance.CheckerPRSize, Params: &governance.PRSizeParams{MaxFiles: 5}},
			EngineVersion: governance.EngineVersion, Strategy: governance.SampleTimeBased, SampleSize: 10,
			Status: governance.SimulationRunning, CreatedBy: "alice", CreatedAt: base,
		}
		err := store.WithTx(ctx, func(tx governance.Tx) error {
			if err := tx.InsertSimulation(ctx, sim); err != nil {
				return err
			}
			sim.Status = governance.SimulationCompleted
			sim.Results = &governance.SimulationResults{
				Summary:     governance.SimulationSummary{TotalSnapshots: 2, NewlyBlockedCount: 1, FrictionIndex: "HIGH"},
				ImpactedPRs: []governance.ImpactedPR{{SnapshotID: "s1", Change: "PASS -> BLOCK"}},
			}
			return tx.UpdateSimulation(ctx, sim)
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			got, err := tx.GetSimulation(ctx, id)
			if err != nil {
				return err
			}
			if got.Status != governance.SimulationCompleted {
				t.Errorf("Expected COMPLETED, got %s", got.Status)
			}
			if got.Results == nil || got.Results.Summary.FrictionIndex != "HIGH" || len(got.Results.ImpactedPRs) != 1 {
				t.Errorf("Expected results to round-trip, got %+v", got.Results)
			}
			if p, ok := got.DraftRules.Params.(*governance.PRSizeParams); !ok || p.MaxFiles != 5 {
				t.Errorf("Expected draft rules to round-trip, got %#v", got.DraftRules.Params)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestStore_MetricsAndSignals tests derived counters and signal listing.
func TestStore_MetricsAndSignals(t *testing.T) {
	forEachStore(t, func(t *testing.T, store governance.Store) {
		ctx := context.Background()
		pol := uniq(t, "pol")
		target := uniq(t, "acme/api")

		err := store.WithTx(ctx, func(tx governance.Tx) error {
			for i := 0; i < 3; i++ {
				if err := tx.IncrementPolicyMetric(ctx, governance.MetricDelta{
					PolicyID: pol, VersionID: "v1", Evaluations: 1, Blocks: int64(i % 2),
				}, base); err != nil {
					return err
				}
			}
			if err := tx.InsertSignal(ctx, &governance.Signal{
				ID: uniq(t, "sig1"), Type: governance.SignalBypassVelocity, TargetID: target,
				Level: "ATTENTION", Metadata: map[string]string{"override_count": "5"}, CreatedAt: base,
			}); err != nil {
				return err
			}
			return tx.InsertSignal(ctx, &governance.Signal{
				ID: uniq(t, "sig2"), Type: governance.SignalBypassVelocity, TargetID: target,
				Level: "ATTENTION", CreatedAt: base.Add(time.Hour),
			})
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		err = store.WithTx(ctx, func(tx governance.Tx) error {
			metrics, err := tx.ListPolicyMetrics(ctx, pol)
			if err != nil {
				return err
			}
			if len(metrics) != 1 || metrics[0].TotalEvaluations != 3 || metrics[0].TotalBlocks != 1 {
				t.Errorf("Expected 3 evaluations and 1 block, got %+v", metrics)
			}

			signals, err := tx.ListSignals(ctx, governance.SignalFilter{TargetID: target})
			if err != nil {
				return err
			}
			if len(signals) != 2 || signals[0].ID != uniq(t, "sig2") {
				t.Fatalf("Expected newest signal first, got %+v", signals)
			}
			if signals[1].Metadata["override_count"] != "5" {
				t.Errorf("Expected metadata to round-trip, got %v", signals[1].Metadata)
			}

			recent, err := tx.ListSignals(ctx, governance.SignalFilter{TargetID: target, Since: base.Add(time.Minute)})
			if err != nil {
				return err
			}
			if len(recent) != 1 {
				t.Errorf("Expected 1 recent signal, got %d", len(recent))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})
}

// TestRebind tests placeholder rewriting for PostgreSQL.
func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("Unexpected rebind: %s", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("Unexpected rebind: %s", got)
	}
}
