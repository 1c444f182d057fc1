package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/override"
	"mercator-hq/prgate/pkg/policy/catalog"
	"mercator-hq/prgate/pkg/simulation"
)

func (a *API) submitEvent(w http.ResponseWriter, r *http.Request) {
	var e governance.Event
	if err := decode(r, &e); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := e.Validate(); err != nil {
		a.fail(w, r, err)
		return
	}
	if e.DeliveryID == "" {
		e.DeliveryID = "api-" + GetRequestID(r.Context())
	}
	e.ReceivedAt = a.now().UTC()

	if err := a.Submitter.Submit(r.Context(), e); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"delivery_id": e.DeliveryID,
		"key":         e.Key().String(),
	})
}

// Policies.

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePolicyRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.Catalog.CreatePolicy(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.Catalog.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	f := governance.PolicyFilter{
		Scope:    governance.Scope(r.URL.Query().Get("scope")),
		TargetID: r.URL.Query().Get("target_id"),
	}
	if f.Scope != "" && !f.Scope.Valid() {
		a.fail(w, r, governance.NewValidationError("scope", "must be ORG or REPO"))
		return
	}
	out, err := a.Catalog.ListPolicies(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (a *API) createVersion(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req catalog.CreateVersionRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	req.PolicyID = chi.URLParam(r, "id")
	req.CreatedBy = who.ID

	v, err := a.Catalog.CreateVersion(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	out, err := a.Catalog.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

// Governance memory.

func (a *API) listPolicyMetrics(w http.ResponseWriter, r *http.Request) {
	out, err := a.Insights.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": out})
}

func (a *API) recordChallenge(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.Insights.RecordChallenge(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "version")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := governance.SignalFilter{
		TargetID: q.Get("target_id"),
		Type:     governance.SignalType(q.Get("type")),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.fail(w, r, governance.NewValidationError("since", "must be RFC 3339"))
			return
		}
		f.Since = since
	}
	out, err := a.Insights.Signals(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": out})
}

// Overrides.

type createOverrideBody struct {
	DecisionID     string                      `json:"decision_id"`
	EvaluationHash string                      `json:"evaluation_hash"`
	TargetSHA      string                      `json:"target_sha"`
	Category       governance.OverrideCategory `json:"category"`
	Justification  string                      `json:"justification"`
	TTLHours       int                         `json:"ttl_hours"`
	Attestation    string                      `json:"attestation,omitempty"`
}

func (a *API) createOverride(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body createOverrideBody
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}

	o, err := a.Overrides.Create(r.Context(), override.CreateRequest{
		DecisionID:     body.DecisionID,
		EvaluationHash: body.EvaluationHash,
		TargetSHA:      body.TargetSHA,
		Category:       body.Category,
		Justification:  body.Justification,
		TTLHours:       body.TTLHours,
		Actor:          who,
		Attestation:    body.Attestation,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) getOverride(w http.ResponseWriter, r *http.Request) {
	d, err := a.Overrides.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) listOverrides(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		a.fail(w, r, governance.NewValidationError("repo", "is required"))
		return
	}
	pr, err := queryInt(r, "pr_number")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out, err := a.Overrides.ListForRepo(r.Context(), repo, pr)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": out})
}

type signBody struct {
	Justification string `json:"justification"`
	Attestation   string `json:"attestation,omitempty"`
}

func (a *API) signOverride(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body signBody
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	sig, err := a.Overrides.AddSignature(r.Context(), chi.URLParam(r, "id"), override.SignRequest{
		Actor:         who,
		Justification: body.Justification,
		Attestation:   body.Attestation,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (a *API) revokeOverride(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	rev, err := a.Overrides.Revoke(r.Context(), chi.URLParam(r, "id"), who.ID, body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *API) validateOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentSHA  string `json:"current_sha"`
		CurrentHash string `json:"current_hash"`
	}
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	ok, err := a.Overrides.IsValid(r.Context(), chi.URLParam(r, "id"), override.Check{
		CurrentSHA:  body.CurrentSHA,
		CurrentHash: body.CurrentHash,
	})
	resp := map[string]any{"valid": ok}
	if err != nil {
		if governance.Classify(err) != governance.KindIntegrity {
			a.fail(w, r, err)
			return
		}
		resp["reason"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Simulations.

type simulationBody struct {
	PolicyID   string                    `json:"policy_id"`
	DraftRules governance.RulesLogic     `json:"draft_rules"`
	Strategy   governance.SampleStrategy `json:"sample_strategy"`
	SampleSize int                       `json:"sample_size"`
}

func (a *API) runSimulation(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body simulationBody
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	sim, err := a.Simulations.Run(r.Context(), simulation.Request{
		PolicyID:   body.PolicyID,
		DraftRules: body.DraftRules,
		Strategy:   body.Strategy,
		SampleSize: body.SampleSize,
		CreatedBy:  who.ID,
	})
	if err != nil && sim == nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sim)
}

func (a *API) getSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := a.Simulations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (a *API) promoteSimulation(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body struct {
		AcknowledgeHighFriction bool `json:"acknowledge_high_friction"`
	}
	if err := decode(r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := a.Simulations.Promote(r.Context(), chi.URLParam(r, "id"), who.ID, body.AcknowledgeHighFriction)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// Audit.

func (a *API) getReview(w http.ResponseWriter, r *http.Request) {
	rev, err := a.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	out, err := a.Ingestor.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}
