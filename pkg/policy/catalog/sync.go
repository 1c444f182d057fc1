package catalog

import (
	"bytes"
	"context"
	"fmt"

	"mercator-hq/prgate/pkg/canonical"
	"mercator-hq/prgate/pkg/governance"
)

// SyncActor is recorded as created_by on versions written by a sync.
const SyncActor = "catalog-sync"

// SyncReport summarizes one sync.
type SyncReport struct {
	CreatedPolicies []string
	NewVersions     []string
	Unchanged       []string
}

// Sync makes the store reflect seeds. Every seed is applied in a single
// transaction so a failing seed leaves the store untouched.
func (s *Service) Sync(ctx context.Context, seeds []Seed) (*SyncReport, error) {
	report := &SyncReport{}

	err := s.store.WithTx(ctx, func(tx governance.Tx) error {
		*report = SyncReport{}
		for _, seed := range seeds {
			if err := s.syncOne(ctx, tx, seed, report); err != nil {
				return fmt.Errorf("sync %s (%s): %w", seed.ID, seed.File, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("policy catalog synced",
		"created", len(report.CreatedPolicies),
		"new_versions", len(report.NewVersions),
		"unchanged", len(report.Unchanged),
	)
	return report, nil
}

// SyncDir loads dir and syncs it.
func (s *Service) SyncDir(ctx context.Context, dir string) (*SyncReport, error) {
	seeds, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return s.Sync(ctx, seeds)
}

func (s *Service) syncOne(ctx context.Context, tx governance.Tx, seed Seed, report *SyncReport) error {
	rules, err := seed.ParsedRules()
	if err != nil {
		return err
	}

	_, err = tx.GetPolicy(ctx, seed.ID)
	switch {
	case governance.IsNotFound(err):
		if err := tx.CreatePolicy(ctx, &governance.Policy{
			ID:          seed.ID,
			Name:        seed.Name,
			Scope:       seed.Scope,
			TargetID:    seed.Target,
			OwningRole:  seed.OwningRole,
			Description: seed.Description,
			CreatedAt:   s.now().UTC(),
		}); err != nil {
			return err
		}
		report.CreatedPolicies = append(report.CreatedPolicies, seed.ID)
	case err != nil:
		return err
	}

	latest, err := tx.LatestPolicyVersion(ctx, seed.ID)
	if err != nil && !governance.IsNotFound(err) {
		return err
	}
	if latest != nil {
		same, err := sameVersion(latest, seed.Level, rules)
		if err != nil {
			return err
		}
		if same {
			report.Unchanged = append(report.Unchanged, seed.ID)
			return nil
		}
	}

	v, err := s.CreateVersionInTx(ctx, tx, CreateVersionRequest{
		PolicyID:         seed.ID,
		EnforcementLevel: seed.Level,
		Rules:            rules,
		Description:      seed.Description,
		CreatedBy:        SyncActor,
	})
	if err != nil {
		return err
	}
	report.NewVersions = append(report.NewVersions, v.ID)
	return nil
}

// sameVersion compares rules canonically so key order in the seed file does
// not produce spurious versions.
func sameVersion(v *governance.PolicyVersion, level governance.EnforcementLevel, rules governance.RulesLogic) (bool, error) {
	if v.EnforcementLevel != level {
		return false, nil
	}
	a, err := canonical.Marshal(v.Rules)
	if err != nil {
		return false, err
	}
	b, err := canonical.Marshal(rules)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}
