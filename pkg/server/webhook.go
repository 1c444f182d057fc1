package server

import (
	"net/http"

	gh "github.com/google/go-github/v71/github"

	"mercator-hq/prgate/pkg/governance"
)

// triggerActions are the pull_request actions that change what is evaluated.
var triggerActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"ready_for_review": true,
}

// githubWebhook verifies X-Hub-Signature-256 and enqueues pull request
// updates. Other events are acknowledged and dropped.
func (a *API) githubWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, []byte(a.WebhookSecret))
	if err != nil {
		a.logger.WarnContext(r.Context(), "rejected webhook", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	eventType := gh.WebHookType(r)
	parsed, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	switch ev := parsed.(type) {
	case *gh.PingEvent:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case *gh.PullRequestEvent:
		if !triggerActions[ev.GetAction()] {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "action": ev.GetAction()})
			return
		}

		pr := ev.GetPullRequest()
		e := governance.Event{
			DeliveryID:     gh.DeliveryID(r),
			Owner:          ev.GetRepo().GetOwner().GetLogin(),
			Repo:           ev.GetRepo().GetName(),
			PRNumber:       ev.GetNumber(),
			HeadSHA:        pr.GetHead().GetSHA(),
			BaseRef:        pr.GetBase().GetRef(),
			HeadRef:        pr.GetHead().GetRef(),
			InstallationID: ev.GetInstallation().GetID(),
			ReceivedAt:     a.now().UTC(),
		}
		if err := e.Validate(); err != nil {
			a.fail(w, r, err)
			return
		}
		if err := a.Submitter.Submit(r.Context(), e); err != nil {
			a.fail(w, r, err)
			return
		}
		a.logger.InfoContext(r.Context(), "queued pull request event",
			"delivery_id", e.DeliveryID,
			"action", ev.GetAction(),
			"key", e.Key().String(),
		)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "key": e.Key().String()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": eventType})
	}
}
