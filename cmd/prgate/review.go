package main

import (
	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/cli"
)

var reviewHistory bool

var reviewCmd = &cobra.Command{
	Use:   "review <decision-id>",
	Short: "Print the audit review of a decision",
	Long: `Print the audit review of a decision: the pull request it covers, the
timeline of decisions on the same snapshot, every violation with its
rationale, the override bound to it and an integrity re-check of the
evaluation hash.

The review is always printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().BoolVar(&reviewHistory, "history", false, "print only the decision history of the snapshot")
}

func runReview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("review", err)
	}
	defer a.Close()

	rev, err := a.reviews.Get(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("review", err)
	}

	f := &cli.JSONFormatter{Indent: true}
	if !reviewHistory {
		return f.FormatTo(cmd.OutOrStdout(), rev)
	}
	history, err := a.ingestor.History(cmd.Context(), rev.Decision.FactID)
	if err != nil {
		return cli.NewCommandError("review", err)
	}
	return f.FormatTo(cmd.OutOrStdout(), history)
}
