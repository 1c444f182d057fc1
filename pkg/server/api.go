package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/prgate/pkg/facts"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/insights"
	"mercator-hq/prgate/pkg/override"
	"mercator-hq/prgate/pkg/policy/catalog"
	"mercator-hq/prgate/pkg/review"
	"mercator-hq/prgate/pkg/simulation"
	"mercator-hq/prgate/pkg/telemetry/health"
	"mercator-hq/prgate/pkg/telemetry/tracing"
)

// Actor identity headers, set by the authenticating proxy in front of the API.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

// maxBodyBytes bounds request bodies, webhooks included.
const maxBodyBytes = 5 << 20

// Submitter accepts events for asynchronous processing. *pipeline.Pool
// implements it.
type Submitter interface {
	Submit(ctx context.Context, e governance.Event) error
}

// Deps are the services behind the API. Nil services leave their routes
// unmounted.
type Deps struct {
	Catalog     *catalog.Service
	Overrides   *override.Service
	Simulations *simulation.Service
	Reviews     *review.Service
	Ingestor    *facts.Ingestor
	Insights    *insights.Tracker
	Submitter   Submitter
	Health      *health.Checker
	Metrics     http.Handler

	// WebhookSecret enables POST /webhooks/github.
	WebhookSecret string
	Version       health.VersionInfo
}

// API is the HTTP surface of the gate.
type API struct {
	Deps
	now    func() time.Time
	logger *slog.Logger
}

// NewAPI creates an API.
func NewAPI(deps Deps) *API {
	return &API{
		Deps:   deps,
		now:    time.Now,
		logger: slog.Default().With("component", "api"),
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(tracing.HTTPMiddleware)
	r.Use(limitBody)

	if a.Health != nil {
		r.Get("/healthz", a.Health.LivenessHandler())
		r.Get("/readyz", a.Health.ReadinessHandler())
	}
	r.Get("/version", health.VersionHandler(a.Version))
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics)
	}
	if a.WebhookSecret != "" && a.Submitter != nil {
		r.Post("/webhooks/github", a.githubWebhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if a.Submitter != nil {
			r.Post("/events", a.submitEvent)
		}
		if a.Catalog != nil {
			r.Post("/policies", a.createPolicy)
			r.Get("/policies", a.listPolicies)
			r.Get("/policies/{id}", a.getPolicy)
			r.Post("/policies/{id}/versions", a.createVersion)
			r.Get("/policies/{id}/versions", a.listVersions)
		}
		if a.Insights != nil {
			r.Get("/policies/{id}/metrics", a.listPolicyMetrics)
			r.Post("/policies/{id}/versions/{version}/challenges", a.recordChallenge)
			r.Get("/signals", a.listSignals)
		}
		if a.Overrides != nil {
			r.Post("/overrides", a.createOverride)
			r.Get("/overrides", a.listOverrides)
			r.Get("/overrides/{id}", a.getOverride)
			r.Post("/overrides/{id}/signatures", a.signOverride)
			r.Post("/overrides/{id}/revoke", a.revokeOverride)
			r.Post("/overrides/{id}/validate", a.validateOverride)
		}
		if a.Simulations != nil {
			r.Post("/simulations", a.runSimulation)
			r.Get("/simulations/{id}", a.getSimulation)
			r.Post("/simulations/{id}/promote", a.promoteSimulation)
		}
		if a.Reviews != nil {
			r.Get("/decisions/{id}/review", a.getReview)
		}
		if a.Ingestor != nil {
			r.Get("/snapshots/{id}/history", a.getHistory)
		}
	})
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// actor reads the pre-authenticated identity headers.
func actor(r *http.Request) (override.Actor, error) {
	a := override.Actor{ID: r.Header.Get(ActorIDHeader), Role: r.Header.Get(ActorRoleHeader)}
	if a.ID == "" {
		return a, governance.NewValidationError("actor", ActorIDHeader+" header is required")
	}
	return a, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return governance.NewValidationError("body", "request body is required")
		}
		return governance.NewValidationError("body", fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps the error taxonomy onto HTTP statuses.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch governance.Classify(err) {
	case governance.KindValidation:
		status = http.StatusBadRequest
	case governance.KindNotFound:
		status = http.StatusNotFound
	case governance.KindIntegrity, governance.KindRaceCondition:
		status = http.StatusConflict
	case governance.KindUpstreamFetch:
		status = http.StatusBadGateway
	}
	if errors.Is(err, governance.ErrConflict) {
		status = http.StatusConflict
	}

	kind := governance.Classify(err)
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error", "kind": string(kind)})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, governance.NewValidationError(name, "must be an integer")
	}
	return n, nil
}
