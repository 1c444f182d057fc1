// Package github fetches change sets from the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v71/github"

	"mercator-hq/prgate/pkg/facts"
	"mercator-hq/prgate/pkg/governance"
)

// filesPerPage is the maximum page size accepted by the files endpoint.
const filesPerPage = 100

// NewClient creates an API client authenticated with token. An empty
// baseURL targets api.github.com; otherwise it names a GitHub Enterprise or
// test endpoint.
func NewClient(token, baseURL string, httpClient *http.Client) (*gh.Client, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Source reads pull requests and their changed files.
type Source struct {
	client *gh.Client
	logger *slog.Logger
}

// NewSource creates a Source using client.
func NewSource(client *gh.Client) *Source {
	return &Source{
		client: client,
		logger: slog.Default().With("component", "facts.github"),
	}
}

// Name returns "github".
func (s *Source) Name() string { return "github" }

// FetchChangeSet reads the pull request metadata and every page of its files.
func (s *Source) FetchChangeSet(ctx context.Context, ref facts.ChangeSetRef) (*facts.ChangeSet, error) {
	client := s.client
	if ref.Credential != "" {
		client = client.WithAuthToken(ref.Credential)
	}

	pr, resp, err := client.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("get pull request %s/%s#%d: %w", ref.Owner, ref.Repo, ref.PRNumber, err)
	}
	remaining := resp.Rate.Remaining

	cs := &facts.ChangeSet{
		Title:       pr.GetTitle(),
		AuthorID:    pr.GetUser().GetID(),
		AuthorLogin: pr.GetUser().GetLogin(),
		BaseBranch:  pr.GetBase().GetRef(),
		IsDraft:     pr.GetDraft(),
		Labels:      []string{},
		Files:       []facts.ChangedFile{},
	}
	for _, l := range pr.Labels {
		cs.Labels = append(cs.Labels, l.GetName())
	}

	opts := &gh.ListOptions{PerPage: filesPerPage}
	for {
		files, resp, err := client.PullRequests.ListFiles(ctx, ref.Owner, ref.Repo, ref.PRNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("list files of %s/%s#%d (page %d): %w", ref.Owner, ref.Repo, ref.PRNumber, opts.Page, err)
		}
		for _, f := range files {
			cs.Files = append(cs.Files, facts.ChangedFile{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
			})
		}
		remaining = resp.Rate.Remaining
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	cs.Provenance = governance.Provenance{
		Source:             "github",
		APIVersion:         "v3",
		IngestionMethod:    "api",
		RateLimitRemaining: remaining,
	}

	s.logger.Debug("fetched change set",
		"repo", ref.Owner+"/"+ref.Repo,
		"pr_number", ref.PRNumber,
		"files", len(cs.Files),
		"rate_limit_remaining", remaining,
	)
	return cs, nil
}
