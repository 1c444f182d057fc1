package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/storage"
)

const orgSeed = `
policies:
  - id: org-require-tests
    name: Require tests
    scope: ORG
    target: acme
    level: MANDATORY
    rules:
      type: coverage
      min_tests: 1
      include_paths: ["src/*"]
  - id: api-size
    name: Keep PRs small
    scope: REPO
    target: acme/api
    level: ADVISORY
    rules:
      type: pr_size
      max_files: 10
`

func writeSeed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write seed: %v", err)
	}
	return path
}

// TestLoadFile tests seed parsing and validation.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	seeds, err := LoadFile(writeSeed(t, dir, "org.yaml", orgSeed))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("Expected 2 seeds, got %d", len(seeds))
	}
	rules, err := seeds[0].ParsedRules()
	if err != nil {
		t.Fatalf("ParsedRules failed: %v", err)
	}
	if p, ok := rules.Params.(*governance.CoverageParams); !ok || p.MinTests != 1 {
		t.Errorf("Unexpected params: %#v", rules.Params)
	}
	if len(rules.Include) != 1 || rules.Include[0] != "src/*" {
		t.Errorf("Unexpected include: %v", rules.Include)
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "policies: [", "YAML parsing failed"},
		{"bad scope", "policies:\n  - {id: a, name: A, scope: TEAM, target: acme, level: MANDATORY, rules: {type: coverage}}", "scope"},
		{"bad level", "policies:\n  - {id: a, name: A, scope: ORG, target: acme, level: STRICT, rules: {type: coverage}}", "enforcement level"},
		{"unknown kind", "policies:\n  - {id: a, name: A, scope: ORG, target: acme, level: MANDATORY, rules: {type: magic}}", "unknown checker"},
		{"repo target", "policies:\n  - {id: a, name: A, scope: REPO, target: acme, level: MANDATORY, rules: {type: coverage}}", "owner/repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeSeed(t, dir, "bad.yaml", tt.content))
			if err == nil {
				t.Fatal("Expected error")
			}
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Errorf("Expected LoadError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

// TestLoadDir tests directory loading, ordering and duplicate detection.
func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "org.yaml", orgSeed)
	writeSeed(t, dir, "README.md", "not a seed")
	writeSeed(t, dir, ".hidden.yaml", "policies: [")

	seeds, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(seeds) != 2 || seeds[0].ID != "api-size" || seeds[1].ID != "org-require-tests" {
		t.Fatalf("Unexpected seeds: %+v", seeds)
	}

	writeSeed(t, dir, "dup.yml", "policies:\n  - {id: api-size, name: A, scope: ORG, target: acme, level: MANDATORY, rules: {type: coverage}}")
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "already declared") {
		t.Errorf("Expected duplicate error, got %v", err)
	}
}

// TestService_Sync tests that syncing creates versions only on change.
func TestService_Sync(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := NewService(store)
	dir := t.TempDir()
	path := writeSeed(t, dir, "org.yaml", orgSeed)

	report, err := svc.SyncDir(ctx, dir)
	if err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}
	if len(report.CreatedPolicies) != 2 || len(report.NewVersions) != 2 {
		t.Errorf("Unexpected first report: %+v", report)
	}

	report, err = svc.SyncDir(ctx, dir)
	if err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}
	if len(report.Unchanged) != 2 || len(report.NewVersions) != 0 {
		t.Errorf("Expected no changes on resync, got %+v", report)
	}

	// Only the changed seed gets a new version.
	changed := strings.Replace(orgSeed, "      type: pr_size\n      max_files: 10", "      max_files: 15\n      type: pr_size", 1)
	writeSeed(t, dir, filepath.Base(path), changed)

	report, err = svc.SyncDir(ctx, dir)
	if err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}
	if len(report.NewVersions) != 1 || len(report.Unchanged) != 1 {
		t.Errorf("Expected exactly one new version, got %+v", report)
	}

	versions, err := svc.ListVersions(ctx, "api-size")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 || versions[1].VersionNumber != 2 || versions[1].CreatedBy != SyncActor {
		t.Fatalf("Unexpected versions: %+v", versions)
	}
	if p := versions[1].Rules.Params.(*governance.PRSizeParams); p.MaxFiles != 15 {
		t.Errorf("Expected max_files 15, got %d", p.MaxFiles)
	}
	if p := versions[0].Rules.Params.(*governance.PRSizeParams); p.MaxFiles != 10 {
		t.Errorf("First version was mutated: %d", p.MaxFiles)
	}
}

// TestService_CreateVersion tests direct policy and version creation.
func TestService_CreateVersion(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStore())

	if _, err := svc.CreatePolicy(ctx, CreatePolicyRequest{Name: "x", Scope: "TEAM", TargetID: "acme"}); governance.Classify(err) != governance.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}

	p, err := svc.CreatePolicy(ctx, CreatePolicyRequest{Name: "Security", Scope: governance.ScopeOrg, TargetID: "acme"})
	if err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}
	if p.ID == "" {
		t.Error("Expected generated id")
	}

	req := CreateVersionRequest{
		PolicyID:         p.ID,
		EnforcementLevel: governance.LevelMandatory,
		Rules:            governance.RulesLogic{Type: governance.CheckerSecurityPath, Params: &governance.SecurityPathParams{}},
		CreatedBy:        "admin",
	}
	for want := 1; want <= 2; want++ {
		v, err := svc.CreateVersion(ctx, req)
		if err != nil {
			t.Fatalf("CreateVersion failed: %v", err)
		}
		if v.VersionNumber != want {
			t.Errorf("Expected version %d, got %d", want, v.VersionNumber)
		}
	}

	req.PolicyID = "missing"
	if _, err := svc.CreateVersion(ctx, req); !governance.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	req.PolicyID = p.ID
	req.Rules = governance.RulesLogic{Type: "magic"}
	if _, err := svc.CreateVersion(ctx, req); governance.Classify(err) != governance.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

// TestWatcher_Run tests that a seed change triggers a sync.
func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "org.yaml", orgSeed)

	svc := NewService(storage.NewMemoryStore())
	w, err := NewWatcher(WatcherConfig{Dir: dir, Debounce: 50 * time.Millisecond}, svc)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := make(chan *SyncReport, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(r *SyncReport, err error) {
			if err == nil {
				synced <- r
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeSeed(t, dir, "org.yaml", orgSeed+"\n")

	select {
	case r := <-synced:
		if len(r.CreatedPolicies) != 2 {
			t.Errorf("Expected 2 created policies, got %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for sync")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}
