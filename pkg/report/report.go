// Package report publishes decisions to external systems.
//
// A Reporter receives the externally visible status of one unit of work.
// Reporting always happens after the decision is recorded; a Reporter never
// decides anything.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mercator-hq/prgate/pkg/governance"
)

// Target identifies where a report goes.
type Target struct {
	Owner          string
	Repo           string
	PRNumber       int
	HeadSHA        string
	InstallationID int64
}

// TargetFromEvent builds the target of an inbound event.
func TargetFromEvent(e governance.Event) Target {
	return Target{
		Owner:          e.Owner,
		Repo:           e.Repo,
		PRNumber:       e.PRNumber,
		HeadSHA:        e.HeadSHA,
		InstallationID: e.InstallationID,
	}
}

// RepoFullName returns "owner/repo".
func (t Target) RepoFullName() string {
	return t.Owner + "/" + t.Repo
}

// Report is the externally visible state of one unit of work.
type Report struct {
	Status         governance.FinalStatus
	Result         governance.Verdict
	Summary        string
	DecisionID     string
	EvaluationHash string
	EngineVersion  string
	OverrideID     string
	Violations     []governance.Violation
}

// Pending is the report published when work starts.
func Pending() Report {
	return Report{Status: governance.StatusPending, Summary: "Queued for analysis..."}
}

// FromDecision rebuilds the report of a recorded decision.
func FromDecision(d *governance.Decision) Report {
	return Report{
		Status:         d.FinalStatus,
		Result:         d.Result,
		Summary:        d.Rationale,
		DecisionID:     d.ID,
		EvaluationHash: d.EvaluationHash,
		EngineVersion:  d.EngineVersion,
		OverrideID:     d.OverrideID,
		Violations:     d.ViolatedPolicies,
	}
}

// Reporter publishes reports.
type Reporter interface {
	Report(ctx context.Context, target Target, r Report) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, target Target, r Report) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, target Target, r Report) error {
	return f(ctx, target, r)
}

// Presentation is how a status is rendered by check-style sinks.
type Presentation struct {
	// Status is "in_progress" or "completed".
	Status string
	// Conclusion is empty while in progress.
	Conclusion string
	Title      string
}

// Present maps a final status onto its presentation. Unknown statuses fail
// closed.
func Present(status governance.FinalStatus) Presentation {
	switch status {
	case governance.StatusPending:
		return Presentation{Status: "in_progress", Title: "Analyzing Risk..."}
	case governance.StatusSuccess:
		return Presentation{Status: "completed", Conclusion: "success", Title: "Gateway Passed"}
	case governance.StatusOverriddenPass:
		return Presentation{Status: "completed", Conclusion: "success", Title: "Bypass Authorized"}
	case governance.StatusNeutral:
		return Presentation{Status: "completed", Conclusion: "neutral", Title: "Gateway Warning"}
	case governance.StatusFailure:
		return Presentation{Status: "completed", Conclusion: "failure", Title: "Gateway Blocked"}
	default:
		return Presentation{Status: "completed", Conclusion: "failure", Title: "System Error"}
	}
}

// DeepLink returns the review page of a pull request.
func DeepLink(frontendURL string, t Target) string {
	return fmt.Sprintf("%s/pr/%s/%s/%d", strings.TrimRight(frontendURL, "/"), t.Owner, t.Repo, t.PRNumber)
}

// LogReporter writes reports to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter that logs through logger, or the default
// logger when nil.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "report.log")}
}

// Report logs r.
func (l *LogReporter) Report(ctx context.Context, target Target, r Report) error {
	p := Present(r.Status)
	l.logger.InfoContext(ctx, p.Title,
		"repo", target.RepoFullName(),
		"pr_number", target.PRNumber,
		"head_sha", target.HeadSHA,
		"status", r.Status,
		"conclusion", p.Conclusion,
		"decision_id", r.DecisionID,
		"summary", r.Summary,
	)
	return nil
}

// Call is one recorded report.
type Call struct {
	Target Target
	Report Report
}

// Recorder keeps every report in memory. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	err   error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later Report return err after recording the call.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Report records the call.
func (r *Recorder) Report(ctx context.Context, target Target, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Target: target, Report: rep})
	return r.err
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Last returns the latest report for sha.
func (r *Recorder) Last(sha string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Target.HeadSHA == sha {
			return r.calls[i].Report, true
		}
	}
	return Report{}, false
}

// Multi fans a report out to several reporters. Every reporter is called;
// the errors are joined.
type Multi []Reporter

// Report calls every reporter.
func (m Multi) Report(ctx context.Context, target Target, r Report) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Report(ctx, target, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
