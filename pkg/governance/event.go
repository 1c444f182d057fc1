package governance

import (
	"strings"
	"time"
)

// Event is an inbound trigger for one unit of work, typically a pull request
// update delivered by a webhook or a queue.
type Event struct {
	// DeliveryID identifies the delivery for log correlation.
	DeliveryID string `json:"delivery_id,omitempty"`

	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`

	// HeadSHA is the exact content revision under evaluation.
	HeadSHA string `json:"head_sha"`
	BaseRef string `json:"base_ref,omitempty"`
	HeadRef string `json:"head_ref,omitempty"`

	// InstallationID is an opaque, pre-authenticated credential handle for
	// the fact source.
	InstallationID int64 `json:"installation_id,omitempty"`

	// OverrideID attaches a signed override on an explicit re-trigger.
	OverrideID string `json:"override_id,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// RepoFullName returns "owner/repo".
func (e Event) RepoFullName() string {
	return e.Owner + "/" + e.Repo
}

// Key returns the unit-of-work key for the event.
func (e Event) Key() ScopeKey {
	return ScopeKey{Repo: e.RepoFullName(), CommitSHA: e.HeadSHA}
}

// Validate checks that the event names a repository, a pull request and a revision.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.Owner) == "":
		return NewValidationError("owner", "is required")
	case strings.TrimSpace(e.Repo) == "":
		return NewValidationError("repo", "is required")
	case e.PRNumber <= 0:
		return NewValidationError("pr_number", "must be positive")
	case strings.TrimSpace(e.HeadSHA) == "":
		return NewValidationError("head_sha", "is required")
	}
	return nil
}
