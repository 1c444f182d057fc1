package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/pipeline"
)

var analyzeFlags struct {
	owner      string
	repo       string
	pr         int
	sha        string
	baseRef    string
	headRef    string
	overrideID string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Evaluate one pull request revision",
	Long: `Evaluate one pull request revision synchronously and report the verdict.

The revision goes through the same pipeline as webhook events: facts are
ingested once, the policies in force are resolved and the decision is
recorded and reported. Running analyze again on the same commit replays the
recorded decision.

The command exits with status 10 when the revision is blocked.

Examples:
  # Evaluate the head of PR 42
  prgate analyze --owner acme --repo api --pr 42 --sha 3f2c9e1

  # Re-evaluate a blocked revision with an approved override
  prgate analyze --owner acme --repo api --pr 42 --sha 3f2c9e1 --override 7b1d...`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeFlags.owner, "owner", "", "repository owner")
	analyzeCmd.Flags().StringVar(&analyzeFlags.repo, "repo", "", "repository name")
	analyzeCmd.Flags().IntVar(&analyzeFlags.pr, "pr", 0, "pull request number")
	analyzeCmd.Flags().StringVar(&analyzeFlags.sha, "sha", "", "head commit sha")
	analyzeCmd.Flags().StringVar(&analyzeFlags.baseRef, "base", "", "base ref (required by the git fact source)")
	analyzeCmd.Flags().StringVar(&analyzeFlags.headRef, "head", "", "head ref")
	analyzeCmd.Flags().StringVar(&analyzeFlags.overrideID, "override", "", "override to apply on a re-run")
}

type analyzeResult struct {
	*pipeline.Result
}

func (r analyzeResult) Header() []string {
	return []string{"KEY", "OUTCOME", "STATUS", "DECISION"}
}

func (r analyzeResult) Rows() [][]string {
	return [][]string{{r.Key.String(), r.Outcome, string(r.FinalStatus), r.DecisionID}}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	e := governance.Event{
		DeliveryID: "cli-" + uuid.NewString(),
		Owner:      analyzeFlags.owner,
		Repo:       analyzeFlags.repo,
		PRNumber:   analyzeFlags.pr,
		HeadSHA:    analyzeFlags.sha,
		BaseRef:    analyzeFlags.baseRef,
		HeadRef:    analyzeFlags.headRef,
		OverrideID: analyzeFlags.overrideID,
	}
	if err := e.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("analyze", err)
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return cli.NewCommandError("analyze", err)
	}

	res, procErr := orch.Process(ctx, e)
	if res != nil {
		if err := printResult(cmd, analyzeResult{res}); err != nil {
			return err
		}
	}
	if procErr != nil {
		return cli.NewCommandError("analyze", procErr)
	}
	if res == nil {
		return nil
	}

	switch res.FinalStatus {
	case governance.StatusFailure, governance.StatusSystemError:
		return &cli.BlockedError{Key: res.Key, FinalStatus: res.FinalStatus}
	}
	return nil
}
