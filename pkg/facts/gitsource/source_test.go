package gitsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"mercator-hq/prgate/pkg/facts"
)

// commitFiles writes files (nil content removes the file) and commits them.
func commitFiles(t *testing.T, repo *gogit.Repository, dir, msg string, files map[string]*string) plumbing.Hash {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}

	for name, content := range files {
		full := filepath.Join(dir, name)
		if content == nil {
			if _, err := wt.Remove(name); err != nil {
				t.Fatalf("failed to remove %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(full, []byte(*content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
	}

	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash
}

func text(s string) *string { return &s }

// TestSource_FetchChangeSet tests diffing a head commit against its base.
func TestSource_FetchChangeSet(t *testing.T) {
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init repo: %v", err)
	}

	base := commitFiles(t, repo, dir, "initial commit", map[string]*string{
		"README.md":     text("hello\n"),
		"config/app.go": text("package config\n"),
	})
	head := commitFiles(t, repo, dir, "Add login\n\nLonger body.", map[string]*string{
		"README.md":              text("hello\nworld\n"),
		"src/auth/login.go":      text("package auth\n\nfunc Login() {}\n"),
		"src/auth/login_test.go": text("package auth\n"),
		"config/app.go":          nil,
	})

	source, err := NewSource(&Config{Path: dir})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	cs, err := source.FetchChangeSet(context.Background(), facts.ChangeSetRef{
		BaseRef: base.String(),
		HeadSHA: head.String(),
	})
	if err != nil {
		t.Fatalf("FetchChangeSet failed: %v", err)
	}

	if cs.Title != "Add login" {
		t.Errorf("Expected title from first message line, got %q", cs.Title)
	}
	if cs.Provenance.Source != "git" {
		t.Errorf("Expected git provenance, got %+v", cs.Provenance)
	}

	got := map[string]facts.ChangedFile{}
	for _, f := range cs.Files {
		got[f.Path] = f
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 changed files, got %d: %+v", len(got), cs.Files)
	}

	tests := []struct {
		path      string
		status    string
		additions int
		deletions int
	}{
		{"README.md", "modified", 1, 0},
		{"src/auth/login.go", "added", 3, 0},
		{"src/auth/login_test.go", "added", 1, 0},
		{"config/app.go", "removed", 0, 1},
	}
	for _, tt := range tests {
		f, ok := got[tt.path]
		if !ok {
			t.Errorf("Missing %s", tt.path)
			continue
		}
		if f.Status != tt.status || f.Additions != tt.additions || f.Deletions != tt.deletions {
			t.Errorf("%s: expected %s +%d -%d, got %s +%d -%d",
				tt.path, tt.status, tt.additions, tt.deletions, f.Status, f.Additions, f.Deletions)
		}
	}

	snapshotFacts := facts.Derive(cs)
	if snapshotFacts.Metadata.TestFilesChangedCount != 1 {
		t.Errorf("Expected 1 test file, got %d", snapshotFacts.Metadata.TestFilesChangedCount)
	}
}

// TestSource_UnknownRevision tests that an unknown head is an error.
func TestSource_UnknownRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init repo: %v", err)
	}
	commitFiles(t, repo, dir, "initial commit", map[string]*string{"a.txt": text("a\n")})

	source, err := NewSource(&Config{Path: dir})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	_, err = source.FetchChangeSet(context.Background(), facts.ChangeSetRef{
		HeadSHA: "0123456789abcdef0123456789abcdef01234567",
	})
	if err == nil {
		t.Fatal("Expected error for unknown head")
	}
}

// TestNewSource tests configuration validation.
func TestNewSource(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"empty path", &Config{}},
		{"not a repository", &Config{Path: t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
