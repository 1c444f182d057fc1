// Package github publishes reports as GitHub check runs.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gh "github.com/google/go-github/v71/github"

	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/report"
)

// DefaultCheckName is the check run name reports are keyed by.
const DefaultCheckName = "prgate/pr-gate"

// Config configures the check-run reporter.
type Config struct {
	CheckName   string
	FrontendURL string
}

// Reporter updates or creates one check run per (head sha, check name).
type Reporter struct {
	client *gh.Client
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewReporter creates a check-run reporter.
func NewReporter(client *gh.Client, cfg Config) *Reporter {
	if cfg.CheckName == "" {
		cfg.CheckName = DefaultCheckName
	}
	cfg.FrontendURL = strings.TrimSuffix(cfg.FrontendURL, "/")
	return &Reporter{
		client: client,
		config: cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "report.github"),
	}
}

// Report updates every existing check run named CheckName on the head
// revision, and creates one when none could be updated.
func (r *Reporter) Report(ctx context.Context, target report.Target, rep report.Report) error {
	p := report.Present(rep.Status)
	output := r.output(target, rep, p)

	runs, _, err := r.client.Checks.ListCheckRunsForRef(ctx, target.Owner, target.Repo, target.HeadSHA,
		&gh.ListCheckRunsOptions{CheckName: gh.Ptr(r.config.CheckName)})
	if err != nil {
		return fmt.Errorf("list check runs for %s@%s: %w", target.RepoFullName(), target.HeadSHA, err)
	}

	updated := 0
	for _, run := range runs.CheckRuns {
		if run.GetName() != r.config.CheckName {
			continue
		}
		opts := gh.UpdateCheckRunOptions{
			Name:       r.config.CheckName,
			DetailsURL: gh.Ptr(report.DeepLink(r.config.FrontendURL, target)),
			ExternalID: externalID(rep),
			Status:     gh.Ptr(p.Status),
			Output:     output,
		}
		if p.Status == "completed" {
			opts.Conclusion = gh.Ptr(p.Conclusion)
			opts.CompletedAt = &gh.Timestamp{Time: r.now()}
		}
		if _, _, err := r.client.Checks.UpdateCheckRun(ctx, target.Owner, target.Repo, run.GetID(), opts); err != nil {
			r.logger.Warn("failed to update check run", "check_run_id", run.GetID(), "error", err)
			continue
		}
		updated++
	}
	if updated > 0 {
		r.logger.Debug("check runs updated", "repo", target.RepoFullName(), "head_sha", target.HeadSHA, "count", updated, "status", rep.Status)
		return nil
	}

	opts := gh.CreateCheckRunOptions{
		Name:       r.config.CheckName,
		HeadSHA:    target.HeadSHA,
		DetailsURL: gh.Ptr(report.DeepLink(r.config.FrontendURL, target)),
		ExternalID: externalID(rep),
		Status:     gh.Ptr(p.Status),
		Output:     output,
	}
	if p.Status == "completed" {
		opts.Conclusion = gh.Ptr(p.Conclusion)
		opts.CompletedAt = &gh.Timestamp{Time: r.now()}
	}
	run, _, err := r.client.Checks.CreateCheckRun(ctx, target.Owner, target.Repo, opts)
	if err != nil {
		return fmt.Errorf("create check run for %s@%s: %w", target.RepoFullName(), target.HeadSHA, err)
	}
	r.logger.Debug("check run created", "repo", target.RepoFullName(), "check_run_id", run.GetID(), "status", rep.Status)
	return nil
}

func externalID(rep report.Report) *string {
	if rep.DecisionID == "" {
		return nil
	}
	return gh.Ptr(rep.DecisionID)
}

func (r *Reporter) output(target report.Target, rep report.Report, p report.Presentation) *gh.CheckRunOutput {
	link := report.DeepLink(r.config.FrontendURL, target)

	summary := fmt.Sprintf("### %s\n%s\n\n[Review decision](%s)", p.Title, rep.Summary, link)

	var b strings.Builder
	b.WriteString("## Policy Evaluation Report\n")
	fmt.Fprintf(&b, "**Decision:** %s\n", rep.Status)
	if rep.Result != "" {
		fmt.Fprintf(&b, "**Verdict:** %s\n", rep.Result)
	}
	if rep.EngineVersion != "" {
		fmt.Fprintf(&b, "**Engine:** `%s`\n", rep.EngineVersion)
	}
	if rep.EvaluationHash != "" {
		fmt.Fprintf(&b, "**Evaluation hash:** `%s`\n", rep.EvaluationHash)
	}
	if len(rep.Violations) > 0 {
		b.WriteString("\n| Policy | Checker | Verdict | Expected | Actual |\n|---|---|---|---|---|\n")
		for _, v := range rep.Violations {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", v.PolicyID, v.Checker, v.Verdict, v.Expected, v.Actual)
		}
	}
	if rep.Status == governance.StatusOverriddenPass {
		fmt.Fprintf(&b, "\nThis revision is covered by override `%s` recorded in the governance ledger.\n", rep.OverrideID)
	}
	b.WriteString("\n---\nDecisions are deterministic and based on project-defined policies.")

	return &gh.CheckRunOutput{
		Title:   gh.Ptr(p.Title),
		Summary: gh.Ptr(summary),
		Text:    gh.Ptr(b.String()),
	}
}
