package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"mercator-hq/prgate/pkg/facts"
)

func refFor(owner, repo string, pr int) facts.ChangeSetRef {
	return facts.ChangeSetRef{Owner: owner, Repo: repo, PRNumber: pr, HeadSHA: "abc"}
}

func newTestSource(t *testing.T, mux *http.ServeMux) *Source {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient("test-token", srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return NewSource(client)
}

// TestSource_FetchChangeSet tests metadata mapping and file pagination.
func TestSource_FetchChangeSet(t *testing.T) {
	mux := http.NewServeMux()
	var serverURL string

	mux.HandleFunc("/repos/acme/api/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		w.Header().Set("X-RateLimit-Remaining", "4999")
		fmt.Fprint(w, `{"number":7,"title":"Add login","draft":true,
			"user":{"id":42,"login":"octo"},
			"base":{"ref":"main"},
			"labels":[{"name":"security"},{"name":"wip"}]}`)
	})
	mux.HandleFunc("/repos/acme/api/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("per_page") != "100" {
			t.Errorf("Expected per_page=100, got %q", r.URL.Query().Get("per_page"))
		}
		w.Header().Set("X-RateLimit-Remaining", "4997")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"filename":"src/auth/login_test.go","status":"added","additions":30,"deletions":0}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/api/pulls/7/files?per_page=100&page=2>; rel="next"`, serverURL))
		fmt.Fprint(w, `[{"filename":"src/auth/login.go","status":"modified","additions":10,"deletions":2}]`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	serverURL = srv.URL

	client, err := NewClient("test-token", srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	source := NewSource(client)

	cs, err := source.FetchChangeSet(context.Background(), refFor("acme", "api", 7))
	if err != nil {
		t.Fatalf("FetchChangeSet failed: %v", err)
	}

	if cs.Title != "Add login" || cs.AuthorID != 42 || cs.AuthorLogin != "octo" || cs.BaseBranch != "main" || !cs.IsDraft {
		t.Errorf("Unexpected metadata: %+v", cs)
	}
	if len(cs.Labels) != 2 || cs.Labels[0] != "security" {
		t.Errorf("Unexpected labels: %v", cs.Labels)
	}
	if len(cs.Files) != 2 {
		t.Fatalf("Expected 2 files across pages, got %d", len(cs.Files))
	}
	if cs.Files[1].Path != "src/auth/login_test.go" || cs.Files[1].Additions != 30 {
		t.Errorf("Unexpected second file: %+v", cs.Files[1])
	}
	if cs.Provenance.Source != "github" || cs.Provenance.RateLimitRemaining != 4997 {
		t.Errorf("Unexpected provenance: %+v", cs.Provenance)
	}
}

// TestSource_FetchChangeSetError tests that API failures surface as errors.
func TestSource_FetchChangeSetError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	source := newTestSource(t, mux)

	if _, err := source.FetchChangeSet(context.Background(), refFor("acme", "api", 8)); err == nil {
		t.Fatal("Expected error for missing pull request")
	}
}
