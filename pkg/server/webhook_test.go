package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const pullRequestPayload = `{
  "action": %q,
  "number": 7,
  "pull_request": {
    "number": 7,
    "head": {"sha": "abc123", "ref": "feature/tests"},
    "base": {"ref": "main"}
  },
  "repository": {"name": "api", "full_name": "acme/api", "owner": {"login": "acme"}},
  "installation": {"id": 42}
}`

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(event, delivery, secret string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	return req
}

func pullRequestBody(action string) []byte {
	return []byte(fmt.Sprintf(pullRequestPayload, action))
}

// TestWebhook tests signature checks and event routing of the GitHub webhook.
func TestWebhook(t *testing.T) {
	tests := []struct {
		name       string
		event      string
		secret     string
		body       []byte
		wantStatus int
		wantQueued bool
	}{
		{"opened", "pull_request", "s3cret", pullRequestBody("opened"), http.StatusAccepted, true},
		{"synchronize", "pull_request", "s3cret", pullRequestBody("synchronize"), http.StatusAccepted, true},
		{"closed is ignored", "pull_request", "s3cret", pullRequestBody("closed"), http.StatusOK, false},
		{"wrong secret", "pull_request", "guess", pullRequestBody("opened"), http.StatusUnauthorized, false},
		{"ping", "ping", "s3cret", []byte(`{"zen":"Keep it logically awesome.","hook_id":1}`), http.StatusOK, false},
		{"other event", "issues", "s3cret", []byte(`{"action":"opened"}`), http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t)
			rec := httptest.NewRecorder()
			ta.handler.ServeHTTP(rec, webhookRequest(tt.event, "delivery-1", tt.secret, tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			got := ta.submitter.submitted()
			if tt.wantQueued != (len(got) == 1) {
				t.Fatalf("queued %d events, want queued=%v", len(got), tt.wantQueued)
			}
			if !tt.wantQueued {
				return
			}

			e := got[0]
			if e.DeliveryID != "delivery-1" || e.Owner != "acme" || e.Repo != "api" ||
				e.PRNumber != 7 || e.HeadSHA != "abc123" || e.BaseRef != "main" || e.InstallationID != 42 {
				t.Errorf("Unexpected event: %+v", e)
			}
			if e.Key().String() != "acme/api@abc123" {
				t.Errorf("Key = %s", e.Key())
			}
		})
	}
}

// TestWebhook_Disabled tests that the route is absent without a secret.
func TestWebhook_Disabled(t *testing.T) {
	api := NewAPI(Deps{Submitter: &fakeSubmitter{}})
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, webhookRequest("pull_request", "d", "", pullRequestBody("opened")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}
