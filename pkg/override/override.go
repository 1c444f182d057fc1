// Package override implements signed, scoped and time-boxed bypasses of
// blocking decisions.
//
// An Override binds to exactly one Decision, the evaluation hash that
// Decision recorded and one commit. It is created APPROVED together with its
// first signature and moves forward only: APPROVED to EXPIRED when its time
// box or revision lapses, APPROVED to REVOKED through the kill switch.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
)

const (
	minJustification = 10
	maxJustification = 5000
)

// Config bounds override creation.
type Config struct {
	// MaxTTLHours is the longest time box an override may request.
	MaxTTLHours int

	// RequireAttestation rejects signatures without a verifiable ed25519
	// attestation.
	RequireAttestation bool
}

// DefaultConfig returns a one week maximum and optional attestations.
func DefaultConfig() Config {
	return Config{MaxTTLHours: 168}
}

// Actor is the pre-authenticated identity performing an action.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// CreateRequest asks for a bypass of one blocking decision.
type CreateRequest struct {
	DecisionID     string                      `json:"decision_id"`
	EvaluationHash string                      `json:"evaluation_hash"`
	TargetSHA      string                      `json:"target_sha"`
	Category       governance.OverrideCategory `json:"category"`
	Justification  string                      `json:"justification"`
	TTLHours       int                         `json:"ttl_hours"`
	Actor          Actor                       `json:"actor"`
	Attestation    string                      `json:"attestation,omitempty"`
}

// SignRequest co-signs an existing override.
type SignRequest struct {
	Actor         Actor  `json:"actor"`
	Justification string `json:"justification"`
	Attestation   string `json:"attestation,omitempty"`
}

// Check is the state an override is validated against at time of use.
type Check struct {
	CurrentSHA  string
	CurrentHash string
}

// Details is an override with its signatures and revocation.
type Details struct {
	Override   *governance.Override            `json:"override"`
	Signatures []*governance.OverrideSignature `json:"signatures"`
	Revocation *governance.OverrideRevocation  `json:"revocation,omitempty"`
}

// Service manages overrides.
type Service struct {
	store  governance.Store
	config Config
	keys   *KeyRing
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates an override service.
func NewService(store governance.Store, config Config) *Service {
	if config.MaxTTLHours <= 0 {
		config.MaxTTLHours = DefaultConfig().MaxTTLHours
	}
	return &Service{
		store:  store,
		config: config,
		now:    time.Now,
		logger: slog.Default().With("component", "override"),
	}
}

// WithKeyRing enables attestation verification.
func (s *Service) WithKeyRing(keys *KeyRing) *Service {
	s.keys = keys
	return s
}

// WithClock replaces the clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates req and atomically writes the override, its first
// signature and the decision's back-reference.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*governance.Override, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &governance.Override{
		ID:             uuid.NewString(),
		DecisionID:     req.DecisionID,
		EvaluationHash: req.EvaluationHash,
		TargetSHA:      req.TargetSHA,
		Category:       req.Category,
		Status:         governance.OverrideApproved,
		ExpiresAt:      now.Add(time.Duration(req.TTLHours) * time.Hour),
		CreatedBy:      req.Actor.ID,
		CreatedAt:      now,
	}

	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		decision, err := tx.GetDecision(ctx, req.DecisionID)
		if err != nil {
			return err
		}
		if decision.EvaluationHash != req.EvaluationHash {
			return governance.NewIntegrityError(governance.ReasonHashMismatch,
				"evaluation hash does not match the decision")
		}
		if decision.Result != governance.VerdictBlock {
			return governance.NewIntegrityError(governance.ReasonNotBlocking,
				fmt.Sprintf("decision %s is %s, only BLOCK can be overridden", decision.ID, decision.Result))
		}
		if decision.OverrideID != "" {
			return governance.NewIntegrityError(governance.ReasonAlreadyBound,
				fmt.Sprintf("decision %s already has override %s", decision.ID, decision.OverrideID))
		}

		snapshot, err := tx.GetSnapshot(ctx, decision.FactID)
		if err != nil {
			return err
		}
		if snapshot.CommitSHA != req.TargetSHA {
			return governance.NewIntegrityError(governance.ReasonScopeMismatch,
				fmt.Sprintf("target sha %s is not the evaluated revision", req.TargetSHA))
		}

		if err := s.verifyAttestation(req.Actor.ID, req.Attestation, Payload{
			DecisionID:     decision.ID,
			EvaluationHash: decision.EvaluationHash,
			TargetSHA:      req.TargetSHA,
			ActorID:        req.Actor.ID,
			Justification:  req.Justification,
		}); err != nil {
			return err
		}

		o.PolicyVersionID = decision.PolicyVersionID
		o.RepoFullName = snapshot.RepoFullName
		o.PRNumber = snapshot.PRNumber

		if err := tx.InsertOverride(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertSignature(ctx, &governance.OverrideSignature{
			ID:            uuid.NewString(),
			OverrideID:    o.ID,
			ActorID:       req.Actor.ID,
			RoleAtSigning: req.Actor.Role,
			Justification: req.Justification,
			CommitSHA:     req.TargetSHA,
			Attestation:   req.Attestation,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		return tx.AttachOverride(ctx, decision.ID, o.ID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("override created",
		"override_id", o.ID,
		"decision_id", o.DecisionID,
		"repo", o.RepoFullName,
		"pr_number", o.PRNumber,
		"category", o.Category,
		"actor_id", req.Actor.ID,
		"expires_at", o.ExpiresAt,
	)
	return o, nil
}

// AddSignature appends a co-signature. The override's binding never changes.
func (s *Service) AddSignature(ctx context.Context, overrideID string, req SignRequest) (*governance.OverrideSignature, error) {
	if err := validateActor(req.Actor); err != nil {
		return nil, err
	}
	if err := validateJustification(req.Justification); err != nil {
		return nil, err
	}

	var sig *governance.OverrideSignature
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		o, err := tx.GetOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		if o.Status != governance.OverrideApproved {
			return governance.NewIntegrityError(governance.ReasonStateConflict,
				fmt.Sprintf("override %s is %s", o.ID, o.Status))
		}

		if err := s.verifyAttestation(req.Actor.ID, req.Attestation, Payload{
			DecisionID:     o.DecisionID,
			EvaluationHash: o.EvaluationHash,
			TargetSHA:      o.TargetSHA,
			ActorID:        req.Actor.ID,
			Justification:  req.Justification,
		}); err != nil {
			return err
		}

		sig = &governance.OverrideSignature{
			ID:            uuid.NewString(),
			OverrideID:    o.ID,
			ActorID:       req.Actor.ID,
			RoleAtSigning: req.Actor.Role,
			Justification: req.Justification,
			CommitSHA:     o.TargetSHA,
			Attestation:   req.Attestation,
			CreatedAt:     s.now().UTC(),
		}
		return tx.InsertSignature(ctx, sig)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("override co-signed", "override_id", overrideID, "actor_id", req.Actor.ID)
	return sig, nil
}

// IsValid re-checks an override at time of use. Lapsed overrides are moved
// to EXPIRED or REVOKED as a side effect. A revision or hash mismatch returns
// false with an *governance.IntegrityError describing it; callers must treat
// any false as "no override".
func (s *Service) IsValid(ctx context.Context, overrideID string, check Check) (bool, error) {
	var (
		valid    bool
		mismatch error
	)

	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		valid, mismatch = false, nil

		o, err := tx.GetOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		if o.Status != governance.OverrideApproved {
			return nil
		}

		if _, err := tx.GetRevocation(ctx, o.ID); err == nil {
			_, err := tx.TransitionOverride(ctx, o.ID, governance.OverrideApproved, governance.OverrideRevoked)
			return err
		} else if !governance.IsNotFound(err) {
			return err
		}

		if s.now().After(o.ExpiresAt) {
			if _, err := tx.TransitionOverride(ctx, o.ID, governance.OverrideApproved, governance.OverrideExpired); err != nil {
				return err
			}
			s.logger.Info("override expired", "override_id", o.ID, "expires_at", o.ExpiresAt)
			return nil
		}

		if o.TargetSHA != check.CurrentSHA {
			mismatch = governance.NewIntegrityError(governance.ReasonScopeMismatch,
				fmt.Sprintf("override %s covers %s, not %s", o.ID, o.TargetSHA, check.CurrentSHA))
			return nil
		}
		if o.EvaluationHash != check.CurrentHash {
			mismatch = governance.NewIntegrityError(governance.ReasonHashMismatch,
				fmt.Sprintf("override %s was granted for a different evaluation", o.ID))
			return nil
		}

		valid = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if mismatch != nil {
		s.logger.Warn("override rejected", "override_id", overrideID, "error", mismatch)
	}
	return valid, mismatch
}

// Revoke is the kill switch. It is permitted only while APPROVED and is
// irreversible.
func (s *Service) Revoke(ctx context.Context, overrideID, actorID, reason string) (*governance.OverrideRevocation, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, governance.NewValidationError("actor_id", "actor is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, governance.NewValidationError("reason", "reason is required")
	}

	rev := &governance.OverrideRevocation{
		OverrideID:       overrideID,
		RevokedByActorID: actorID,
		Reason:           reason,
		RevokedAt:        s.now().UTC(),
	}

	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		ok, err := tx.TransitionOverride(ctx, overrideID, governance.OverrideApproved, governance.OverrideRevoked)
		if err != nil {
			return err
		}
		if !ok {
			o, err := tx.GetOverride(ctx, overrideID)
			if err != nil {
				return err
			}
			return governance.NewIntegrityError(governance.ReasonStateConflict,
				fmt.Sprintf("override %s is %s and cannot be revoked", overrideID, o.Status))
		}
		return tx.InsertRevocation(ctx, rev)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("override revoked", "override_id", overrideID, "actor_id", actorID, "reason", reason)
	return rev, nil
}

// Get returns an override with its signatures and revocation.
func (s *Service) Get(ctx context.Context, overrideID string) (*Details, error) {
	var d Details
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		o, err := tx.GetOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		sigs, err := tx.ListSignatures(ctx, overrideID)
		if err != nil {
			return err
		}
		rev, err := tx.GetRevocation(ctx, overrideID)
		if err != nil && !governance.IsNotFound(err) {
			return err
		}
		d = Details{Override: o, Signatures: sigs, Revocation: rev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListForRepo returns the overrides of a repository, newest first. A zero
// prNumber lists every pull request.
func (s *Service) ListForRepo(ctx context.Context, repo string, prNumber int) ([]*governance.Override, error) {
	var out []*governance.Override
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		out, err = tx.ListOverrides(ctx, governance.OverrideFilter{Repo: repo, PRNumber: prNumber})
		return err
	})
	return out, err
}

// InvalidateForNewRevision expires APPROVED overrides of a pull request that
// are bound to any revision other than currentSHA.
func (s *Service) InvalidateForNewRevision(ctx context.Context, repo string, prNumber int, currentSHA string) (int, error) {
	n := 0
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		n = 0
		overrides, err := tx.ListOverrides(ctx, governance.OverrideFilter{
			Repo:     repo,
			PRNumber: prNumber,
			Status:   governance.OverrideApproved,
		})
		if err != nil {
			return err
		}
		for _, o := range overrides {
			if o.TargetSHA == currentSHA {
				continue
			}
			ok, err := tx.TransitionOverride(ctx, o.ID, governance.OverrideApproved, governance.OverrideExpired)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Info("expired overrides for superseded revisions", "repo", repo, "pr_number", prNumber, "current_sha", currentSHA, "count", n)
	}
	return n, nil
}

// ExpireDue moves every APPROVED override past its expiry to EXPIRED.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	n := 0
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		n = 0
		due, err := tx.ListOverrides(ctx, governance.OverrideFilter{
			Status:        governance.OverrideApproved,
			ExpiresBefore: now,
		})
		if err != nil {
			return err
		}
		for _, o := range due {
			ok, err := tx.TransitionOverride(ctx, o.ID, governance.OverrideApproved, governance.OverrideExpired)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.DecisionID == "" {
		return governance.NewValidationError("decision_id", "decision is required")
	}
	if req.EvaluationHash == "" {
		return governance.NewValidationError("evaluation_hash", "evaluation hash is required")
	}
	if req.TargetSHA == "" {
		return governance.NewValidationError("target_sha", "target revision is required")
	}
	if !req.Category.Valid() {
		return governance.NewValidationError("category", fmt.Sprintf("unknown category %q", req.Category))
	}
	if req.TTLHours <= 0 || req.TTLHours > s.config.MaxTTLHours {
		return governance.NewValidationError("ttl_hours", fmt.Sprintf("must be between 1 and %d", s.config.MaxTTLHours))
	}
	if err := validateActor(req.Actor); err != nil {
		return err
	}
	return validateJustification(req.Justification)
}

func (s *Service) verifyAttestation(actorID, attestation string, p Payload) error {
	if attestation == "" {
		if s.config.RequireAttestation {
			return governance.NewValidationError("attestation", "a signed attestation is required")
		}
		return nil
	}
	if s.keys == nil {
		if s.config.RequireAttestation {
			return governance.NewIntegrityError(governance.ReasonBadSignature, "no actor key ring configured")
		}
		s.logger.Warn("attestation supplied but no key ring configured", "actor_id", actorID)
		return nil
	}
	if err := s.keys.Verify(p, attestation); err != nil {
		return governance.NewIntegrityError(governance.ReasonBadSignature, err.Error())
	}
	return nil
}

func validateActor(a Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return governance.NewValidationError("actor", "actor identity is required")
	}
	return nil
}

func validateJustification(j string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(j))
	if n < minJustification {
		return governance.NewValidationError("justification", fmt.Sprintf("must be at least %d characters", minJustification))
	}
	if n > maxJustification {
		return governance.NewValidationError("justification", fmt.Sprintf("must be at most %d characters", maxJustification))
	}
	return nil
}
