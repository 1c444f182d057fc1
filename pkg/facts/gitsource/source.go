// Package gitsource derives change sets from a local git repository by
// diffing the merge base of the base ref against the head commit.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"mercator-hq/prgate/pkg/facts"
	"mercator-hq/prgate/pkg/governance"
)

// Config configures the local repository source.
type Config struct {
	// Path is the working copy or bare repository to read.
	Path string

	// Remote, when set, is fetched before every diff.
	Remote string

	// Token authenticates the fetch over HTTPS.
	Token string
}

// Source reads change sets from a repository on disk.
type Source struct {
	config *Config
	repo   *gogit.Repository
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSource opens the repository at cfg.Path.
func NewSource(cfg *Config) (*Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("repository path cannot be empty")
	}

	repo, err := gogit.PlainOpenWithOptions(cfg.Path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", cfg.Path, err)
	}

	return &Source{
		config: cfg,
		repo:   repo,
		logger: slog.Default().With("component", "facts.gitsource"),
	}, nil
}

// Name returns "git".
func (s *Source) Name() string { return "git" }

// FetchChangeSet diffs ref.BaseRef against ref.HeadSHA.
func (s *Source) FetchChangeSet(ctx context.Context, ref facts.ChangeSetRef) (*facts.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetch(ctx, ref.Credential); err != nil {
		return nil, err
	}

	head, err := s.commit(ref.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("resolve head %q: %w", ref.HeadSHA, err)
	}

	baseRef := ref.BaseRef
	if baseRef == "" {
		baseRef = "HEAD"
	}
	base, err := s.commit(baseRef)
	if err != nil {
		return nil, fmt.Errorf("resolve base %q: %w", baseRef, err)
	}

	// Diff from the merge base so commits on the base branch after the fork
	// are not attributed to the change.
	if bases, err := head.MergeBase(base); err == nil && len(bases) > 0 {
		base = bases[0]
	}

	files, err := diff(base, head)
	if err != nil {
		return nil, err
	}

	title, _, _ := strings.Cut(strings.TrimSpace(head.Message), "\n")

	s.logger.Debug("computed change set",
		"base", base.Hash.String(),
		"head", head.Hash.String(),
		"files", len(files),
	)

	return &facts.ChangeSet{
		Title:       title,
		AuthorLogin: head.Author.Email,
		BaseBranch:  ref.BaseRef,
		Labels:      []string{},
		Files:       files,
		Provenance: governance.Provenance{
			Source:          "git",
			APIVersion:      "go-git/v5",
			IngestionMethod: "local",
		},
	}, nil
}

func (s *Source) fetch(ctx context.Context, credential string) error {
	if s.config.Remote == "" {
		return nil
	}

	token := s.config.Token
	if credential != "" {
		token = credential
	}
	opts := &gogit.FetchOptions{RemoteName: s.config.Remote}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: "git", Password: token}
	}

	err := s.repo.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", s.config.Remote, err)
	}
	return nil
}

func (s *Source) commit(rev string) (*object.Commit, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, err
	}
	return s.repo.CommitObject(*hash)
}

func diff(base, head *object.Commit) ([]facts.ChangedFile, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("base tree: %w", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, fmt.Errorf("head tree: %w", err)
	}

	changes, err := baseTree.Diff(headTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	files := make([]facts.ChangedFile, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("classify change: %w", err)
		}

		f := facts.ChangedFile{Path: ch.To.Name, Status: status(action)}
		if action == merkletrie.Delete {
			f.Path = ch.From.Name
		}

		patch, err := ch.Patch()
		if err != nil {
			return nil, fmt.Errorf("patch %s: %w", f.Path, err)
		}
		for _, st := range patch.Stats() {
			f.Additions += st.Addition
			f.Deletions += st.Deletion
		}
		files = append(files, f)
	}
	return files, nil
}

// status maps tree actions onto the hosting API vocabulary.
func status(a merkletrie.Action) string {
	switch a {
	case merkletrie.Insert:
		return "added"
	case merkletrie.Delete:
		return "removed"
	default:
		return "modified"
	}
}
