package facts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/prgate/pkg/governance"
)

// Observer receives one call per Ingest. created is false when an existing
// snapshot was returned.
type Observer interface {
	RecordIngestion(source string, created bool, err error, duration time.Duration)
}

// Ingestor captures change sets into FactSnapshots.
type Ingestor struct {
	store    governance.Store
	source   Source
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor reading from source and writing to store.
func NewIngestor(store governance.Store, source Source) *Ingestor {
	return &Ingestor{
		store:  store,
		source: source,
		now:    time.Now,
		logger: slog.Default().With("component", "facts.ingestor"),
	}
}

// WithClock replaces the ingestion clock.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// WithObserver reports every ingestion to o.
func (i *Ingestor) WithObserver(o Observer) *Ingestor {
	i.observer = o
	return i
}

// Ingest returns the snapshot for key, fetching and freezing it on first use.
// Fetch failures are returned as *governance.UpstreamFetchError and nothing
// is written.
func (i *Ingestor) Ingest(ctx context.Context, key governance.ScopeKey, ref ChangeSetRef) (*governance.FactSnapshot, error) {
	start := i.now()
	snap, created, err := i.ingest(ctx, key, ref)
	if i.observer != nil {
		i.observer.RecordIngestion(i.source.Name(), created, err, i.now().Sub(start))
	}
	return snap, err
}

func (i *Ingestor) ingest(ctx context.Context, key governance.ScopeKey, ref ChangeSetRef) (*governance.FactSnapshot, bool, error) {
	if key.Repo == "" || key.CommitSHA == "" {
		return nil, false, governance.NewValidationError("scope_key", "repository and commit are required")
	}

	var existing *governance.FactSnapshot
	err := i.store.WithTx(ctx, func(tx governance.Tx) error {
		s, err := tx.GetSnapshotByKey(ctx, key)
		if err != nil && !governance.IsNotFound(err) {
			return err
		}
		existing = s
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("lookup snapshot %s: %w", key, err)
	}
	if existing != nil {
		i.logger.Debug("returning existing snapshot", "repo", key.Repo, "commit_sha", key.CommitSHA, "snapshot_id", existing.ID)
		return existing, false, nil
	}

	i.logger.Info("starting fact ingestion", "repo", key.Repo, "pr_number", ref.PRNumber, "commit_sha", key.CommitSHA, "source", i.source.Name())

	cs, err := i.source.FetchChangeSet(ctx, ref)
	if err != nil {
		i.logger.Error("fact ingestion failed", "repo", key.Repo, "pr_number", ref.PRNumber, "error", err)
		return nil, false, governance.NewUpstreamFetchError(i.source.Name(), err)
	}

	candidate := &governance.FactSnapshot{
		ID:              uuid.NewString(),
		RepoFullName:    key.Repo,
		PRNumber:        ref.PRNumber,
		CommitSHA:       key.CommitSHA,
		Facts:           Derive(cs),
		SnapshotVersion: governance.SnapshotVersion,
		IngestedAt:      i.now().UTC(),
	}

	var (
		stored  *governance.FactSnapshot
		created bool
	)
	err = i.store.WithTx(ctx, func(tx governance.Tx) error {
		var err error
		stored, created, err = tx.InsertSnapshot(ctx, candidate)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist snapshot %s: %w", key, err)
	}

	if created {
		i.logger.Info("created fact snapshot", "snapshot_id", stored.ID, "repo", key.Repo, "commit_sha", key.CommitSHA,
			"total_files", stored.Facts.Changes.TotalFiles)
	} else {
		i.logger.Debug("concurrent ingestion won", "snapshot_id", stored.ID)
	}
	return stored, created, nil
}

// History returns the decisions recorded against a snapshot in creation order.
func (i *Ingestor) History(ctx context.Context, snapshotID string) ([]*governance.Decision, error) {
	var out []*governance.Decision
	err := i.store.WithTx(ctx, func(tx governance.Tx) error {
		if _, err := tx.GetSnapshot(ctx, snapshotID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListDecisionsForFact(ctx, snapshotID)
		return err
	})
	return out, err
}
