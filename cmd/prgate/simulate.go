package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/simulation"
)

var simulateFlags struct {
	policy      string
	rulesFile   string
	strategy    string
	sampleSize  int
	actor       string
	acknowledge bool
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay draft rules against history and promote them",
}

var simulateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Measure the blast radius of draft rules",
	Long: `Replay draft rules against a sample of historical fact snapshots and
compare the outcome with the rules that were in force at the time.

The rules file holds one rules document in YAML or JSON.

Examples:
  prgate simulate run --policy 8d0e... --rules draft.yaml --actor alice
  prgate simulate run --policy 8d0e... --rules draft.yaml --strategy RISK_BASED --sample 200`,
	RunE: runSimulate,
}

var simulatePromoteCmd = &cobra.Command{
	Use:   "promote <simulation-id>",
	Short: "Promote a completed simulation to a new policy version",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromote,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.AddCommand(simulateRunCmd, simulatePromoteCmd)

	simulateRunCmd.Flags().StringVar(&simulateFlags.policy, "policy", "", "policy id")
	simulateRunCmd.Flags().StringVar(&simulateFlags.rulesFile, "rules", "", "draft rules file")
	simulateRunCmd.Flags().StringVar(&simulateFlags.strategy, "strategy", string(governance.SampleTimeBased), "TIME_BASED, REPO_BASED or RISK_BASED")
	simulateRunCmd.Flags().IntVar(&simulateFlags.sampleSize, "sample", 100, "number of snapshots to replay")
	_ = simulateRunCmd.MarkFlagRequired("policy")
	_ = simulateRunCmd.MarkFlagRequired("rules")

	for _, c := range []*cobra.Command{simulateRunCmd, simulatePromoteCmd} {
		c.Flags().StringVar(&simulateFlags.actor, "actor", "", "acting user id")
		_ = c.MarkFlagRequired("actor")
	}
	simulatePromoteCmd.Flags().BoolVar(&simulateFlags.acknowledge, "acknowledge-high-friction", false, "confirm promotion of a HIGH friction simulation")
}

type simulationView struct {
	*governance.PolicySimulation
}

func (v simulationView) Header() []string {
	return []string{"ID", "STATUS", "SAMPLED", "CONSISTENT", "NEWLY BLOCKED", "NEWLY PASSED", "FAIL RATE", "FRICTION"}
}

func (v simulationView) Rows() [][]string {
	s := v.PolicySimulation
	if s.Results == nil {
		return [][]string{{s.ID, string(s.Status), "-", "-", "-", "-", "-", "-"}}
	}
	sum := s.Results.Summary
	return [][]string{{
		s.ID, string(s.Status),
		fmt.Sprint(sum.TotalSnapshots), fmt.Sprint(sum.ConsistentCount),
		fmt.Sprint(sum.NewlyBlockedCount), fmt.Sprint(sum.NewlyPassedCount),
		sum.FailRateChange, sum.FrictionIndex,
	}}
}

// readRules decodes a rules document. JSON is valid YAML, so one decoder
// serves both.
func readRules(path string) (governance.RulesLogic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return governance.RulesLogic{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return governance.RulesLogic{}, governance.NewValidationError("rules", err.Error())
	}
	return governance.ParseRules(doc)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	rules, err := readRules(simulateFlags.rulesFile)
	if err != nil {
		return cli.NewCommandError("simulate run", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("simulate run", err)
	}
	defer a.Close()

	sim, err := a.simulations.Run(cmd.Context(), simulation.Request{
		PolicyID:   simulateFlags.policy,
		DraftRules: rules,
		Strategy:   governance.SampleStrategy(strings.ToUpper(simulateFlags.strategy)),
		SampleSize: simulateFlags.sampleSize,
		CreatedBy:  simulateFlags.actor,
	})
	if sim != nil {
		if perr := printResult(cmd, simulationView{sim}); perr != nil {
			return perr
		}
	}
	if err != nil {
		return cli.NewCommandError("simulate run", err)
	}
	if sim.Results != nil {
		for _, pr := range sim.Results.ImpactedPRs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s#%d %s: %s\n", pr.Repo, pr.PRNumber, pr.Change, pr.Rationale)
		}
	}
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("simulate promote", err)
	}
	defer a.Close()

	v, err := a.simulations.Promote(cmd.Context(), args[0], simulateFlags.actor, simulateFlags.acknowledge)
	if err != nil {
		return cli.NewCommandError("simulate promote", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Promoted simulation %s to policy %s version %d (%s)\n",
		args[0], v.PolicyID, v.VersionNumber, v.EnforcementLevel)
	return nil
}
