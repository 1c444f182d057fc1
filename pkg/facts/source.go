package facts

import (
	"context"

	"mercator-hq/prgate/pkg/governance"
)

// ChangeSetRef locates a change set at a source.
type ChangeSetRef struct {
	Owner    string
	Repo     string
	PRNumber int
	BaseRef  string
	HeadSHA  string

	// Credential is an optional pre-authenticated token handle that
	// overrides the source's default credential.
	Credential string
}

// RefFromEvent builds the reference for an inbound event.
func RefFromEvent(e governance.Event) ChangeSetRef {
	return ChangeSetRef{
		Owner:    e.Owner,
		Repo:     e.Repo,
		PRNumber: e.PRNumber,
		BaseRef:  e.BaseRef,
		HeadSHA:  e.HeadSHA,
	}
}

// ChangedFile is one path of a change set as reported by a source.
type ChangedFile struct {
	Path      string
	Status    string
	Additions int
	Deletions int
}

// ChangeSet is the raw material of a snapshot.
type ChangeSet struct {
	Title       string
	AuthorID    int64
	AuthorLogin string
	BaseBranch  string
	Labels      []string
	IsDraft     bool
	Files       []ChangedFile
	Provenance  governance.Provenance
}

// Source fetches change sets from a hosting API or a repository.
type Source interface {
	// Name identifies the source in errors and logs.
	Name() string

	FetchChangeSet(ctx context.Context, ref ChangeSetRef) (*ChangeSet, error)
}
