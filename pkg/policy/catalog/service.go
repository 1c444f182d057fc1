package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
)

// CreatePolicyRequest describes a new policy.
type CreatePolicyRequest struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Scope       governance.Scope `json:"scope"`
	TargetID    string           `json:"target_id"`
	OwningRole  string           `json:"owning_role,omitempty"`
	Description string           `json:"description,omitempty"`
}

// CreateVersionRequest describes a new immutable version of a policy.
type CreateVersionRequest struct {
	PolicyID         string                      `json:"policy_id"`
	EnforcementLevel governance.EnforcementLevel `json:"enforcement_level"`
	Rules            governance.RulesLogic       `json:"rules_logic"`
	Description      string                      `json:"description,omitempty"`
	CreatedBy        string                      `json:"created_by"`
}

// Service creates and reads policies and versions.
type Service struct {
	store  governance.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service over store.
func NewService(store governance.Store) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default().With("component", "policy.catalog"),
	}
}

// WithClock replaces the clock used for created_at.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreatePolicy validates req and stores a new policy.
func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*governance.Policy, error) {
	if err := validatePolicy(req); err != nil {
		return nil, err
	}

	p := &governance.Policy{
		ID:          req.ID,
		Name:        req.Name,
		Scope:       req.Scope,
		TargetID:    req.TargetID,
		OwningRole:  req.OwningRole,
		Description: req.Description,
		CreatedAt:   s.now().UTC(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		return tx.CreatePolicy(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create policy %s: %w", p.ID, err)
	}

	s.logger.Info("created policy", "policy_id", p.ID, "scope", p.Scope, "target_id", p.TargetID)
	return p, nil
}

// CreateVersion appends version latest+1 to a policy.
func (s *Service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*governance.PolicyVersion, error) {
	if err := validateVersion(req); err != nil {
		return nil, err
	}

	var v *governance.PolicyVersion
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		v, err = s.CreateVersionInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create version of %s: %w", req.PolicyID, err)
	}

	s.logger.Info("created policy version",
		"policy_id", v.PolicyID,
		"version_id", v.ID,
		"version_number", v.VersionNumber,
		"level", v.EnforcementLevel,
	)
	return v, nil
}

// CreateVersionInTx appends version latest+1 inside a caller-owned
// transaction. The request must already be valid.
func (s *Service) CreateVersionInTx(ctx context.Context, tx governance.Tx, req CreateVersionRequest) (*governance.PolicyVersion, error) {
	if _, err := tx.GetPolicy(ctx, req.PolicyID); err != nil {
		return nil, err
	}

	next := 1
	latest, err := tx.LatestPolicyVersion(ctx, req.PolicyID)
	switch {
	case err == nil:
		next = latest.VersionNumber + 1
	case !governance.IsNotFound(err):
		return nil, err
	}

	v := &governance.PolicyVersion{
		ID:               uuid.NewString(),
		PolicyID:         req.PolicyID,
		VersionNumber:    next,
		EnforcementLevel: req.EnforcementLevel,
		Rules:            req.Rules,
		Description:      req.Description,
		CreatedAt:        s.now().UTC(),
		CreatedBy:        req.CreatedBy,
	}
	if err := tx.CreatePolicyVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetPolicy returns one policy.
func (s *Service) GetPolicy(ctx context.Context, id string) (*governance.Policy, error) {
	var p *governance.Policy
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		p, err = tx.GetPolicy(ctx, id)
		return err
	})
	return p, err
}

// ListPolicies returns the policies matching f ordered by id.
func (s *Service) ListPolicies(ctx context.Context, f governance.PolicyFilter) ([]*governance.Policy, error) {
	var out []*governance.Policy
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		out, err = tx.ListPolicies(ctx, f)
		return err
	})
	return out, err
}

// ListVersions returns the versions of a policy in version order.
func (s *Service) ListVersions(ctx context.Context, policyID string) ([]*governance.PolicyVersion, error) {
	var out []*governance.PolicyVersion
	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		if _, err := tx.GetPolicy(ctx, policyID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPolicyVersions(ctx, policyID)
		return err
	})
	return out, err
}

func validatePolicy(req CreatePolicyRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return governance.NewValidationError("name", "name is required")
	}
	if !req.Scope.Valid() {
		return governance.NewValidationError("scope", fmt.Sprintf("scope must be ORG or REPO, got %q", req.Scope))
	}
	if req.TargetID == "" {
		return governance.NewValidationError("target_id", "target is required")
	}
	if req.Scope == governance.ScopeRepo && !strings.Contains(req.TargetID, "/") {
		return governance.NewValidationError("target_id", "REPO targets must be owner/repo")
	}
	if req.Scope == governance.ScopeOrg && strings.Contains(req.TargetID, "/") {
		return governance.NewValidationError("target_id", "ORG targets must be an organization login")
	}
	return nil
}

func validateVersion(req CreateVersionRequest) error {
	if req.PolicyID == "" {
		return governance.NewValidationError("policy_id", "policy id is required")
	}
	if !req.EnforcementLevel.Valid() {
		return governance.NewValidationError("enforcement_level", fmt.Sprintf("unknown enforcement level %q", req.EnforcementLevel))
	}
	if req.CreatedBy == "" {
		return governance.NewValidationError("created_by", "author is required")
	}
	return req.Rules.Validate()
}
