package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/governance"
)

var policyFlags struct {
	dir    string
	scope  string
	target string
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the policy catalog",
	Long: `Manage governance policies and their immutable versions.

Policies are declared in YAML seed files. Syncing a directory creates the
policies that do not exist yet and appends a new version whenever the
enforcement level or rules of a seed changed. Existing versions are never
modified.`,
}

var policySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync policy seed files into the catalog",
	Long: `Sync every *.yaml and *.yml file under a directory into the catalog.

Examples:
  # Sync the configured seed directory
  prgate policy sync

  # Sync a specific directory
  prgate policy sync --dir ./policies`,
	RunE: runPolicySync,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	Long: `List policies, optionally filtered by scope and target.

Examples:
  prgate policy list
  prgate policy list --scope ORG --target acme`,
	RunE: runPolicyList,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policySyncCmd, policyListCmd)

	policySyncCmd.Flags().StringVarP(&policyFlags.dir, "dir", "d", "", "seed directory (defaults to policies.seed_dir)")
	policyListCmd.Flags().StringVar(&policyFlags.scope, "scope", "", "filter by scope (ORG or REPO)")
	policyListCmd.Flags().StringVar(&policyFlags.target, "target", "", "filter by target id")
}

type syncResult struct {
	Created   []string `json:"created_policies"`
	Versioned []string `json:"new_versions"`
	Unchanged []string `json:"unchanged"`
}

func (r syncResult) Header() []string { return []string{"POLICY", "CHANGE"} }

func (r syncResult) Rows() [][]string {
	var rows [][]string
	for _, id := range r.Created {
		rows = append(rows, []string{id, "created"})
	}
	for _, id := range r.Versioned {
		rows = append(rows, []string{id, "new version"})
	}
	for _, id := range r.Unchanged {
		rows = append(rows, []string{id, "unchanged"})
	}
	return rows
}

func runPolicySync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := policyFlags.dir
	if dir == "" {
		dir = cfg.Policies.SeedDir
	}
	if dir == "" {
		return cli.NewConfigError("policies.seed_dir", "no seed directory configured; pass --dir")
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("policy sync", err)
	}
	defer a.Close()

	rep, err := a.catalog.SyncDir(cmd.Context(), dir)
	if err != nil {
		return cli.NewCommandError("policy sync", err)
	}
	return printResult(cmd, syncResult{
		Created:   rep.CreatedPolicies,
		Versioned: rep.NewVersions,
		Unchanged: rep.Unchanged,
	})
}

type policyList []*governance.Policy

func (l policyList) Header() []string {
	return []string{"ID", "NAME", "SCOPE", "TARGET", "OWNER"}
}

func (l policyList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, p := range l {
		rows = append(rows, []string{p.ID, p.Name, string(p.Scope), p.TargetID, p.OwningRole})
	}
	return rows
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	f := governance.PolicyFilter{
		Scope:    governance.Scope(policyFlags.scope),
		TargetID: policyFlags.target,
	}
	if f.Scope != "" && !f.Scope.Valid() {
		return governance.NewValidationError("scope", fmt.Sprintf("invalid scope %q: must be ORG or REPO", policyFlags.scope))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("policy list", err)
	}
	defer a.Close()

	out, err := a.catalog.ListPolicies(cmd.Context(), f)
	if err != nil {
		return cli.NewCommandError("policy list", err)
	}
	return printResult(cmd, policyList(out))
}
