package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/override"
)

var overrideFlags struct {
	decision      string
	hash          string
	sha           string
	category      string
	justification string
	ttlHours      int
	actor         string
	role          string
	key           string
	reason        string
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Grant, co-sign, revoke and check overrides",
	Long: `Manage overrides of blocking decisions.

An override is bound to one decision, its evaluation hash and the exact
commit that was evaluated. It expires after its time box and can be revoked
at any time while approved. A new commit invalidates it.`,
}

var overrideCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Grant an override on a blocking decision",
	Long: `Grant an override on a blocking decision.

The creating actor becomes the first signatory. When overrides require
attestations, pass the actor's private key with --key.

Examples:
  prgate override create --decision 4f1e... --hash 9ab0... --sha 3f2c9e1 \
      --category EMERGENCY_HOTFIX --actor alice --role lead \
      --justification "Rollback of the broken payment flow" --ttl 4`,
	RunE: runOverrideCreate,
}

var overrideSignCmd = &cobra.Command{
	Use:   "sign <override-id>",
	Short: "Co-sign an approved override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideSign,
}

var overrideRevokeCmd = &cobra.Command{
	Use:   "revoke <override-id>",
	Short: "Revoke an approved override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideRevoke,
}

var overrideCheckCmd = &cobra.Command{
	Use:   "check <override-id>",
	Short: "Check whether an override is usable for a commit",
	Long: `Check whether an override is usable for a commit and evaluation hash.

Expired and revoked overrides are moved to their terminal status as a side
effect of the check.`,
	Args: cobra.ExactArgs(1),
	RunE: runOverrideCheck,
}

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideCreateCmd, overrideSignCmd, overrideRevokeCmd, overrideCheckCmd)

	for _, c := range []*cobra.Command{overrideCreateCmd, overrideSignCmd, overrideRevokeCmd} {
		c.Flags().StringVar(&overrideFlags.actor, "actor", "", "acting user id")
		_ = c.MarkFlagRequired("actor")
	}
	for _, c := range []*cobra.Command{overrideCreateCmd, overrideSignCmd} {
		c.Flags().StringVar(&overrideFlags.role, "role", "", "role of the actor at signing time")
		c.Flags().StringVar(&overrideFlags.justification, "justification", "", "why the bypass is needed")
		c.Flags().StringVar(&overrideFlags.key, "key", "", "private key file for the attestation")
		_ = c.MarkFlagRequired("justification")
	}

	overrideCreateCmd.Flags().StringVar(&overrideFlags.decision, "decision", "", "blocking decision id")
	overrideCreateCmd.Flags().StringVar(&overrideFlags.hash, "hash", "", "evaluation hash of the decision")
	overrideCreateCmd.Flags().StringVar(&overrideFlags.sha, "sha", "", "commit sha the override covers")
	overrideCreateCmd.Flags().StringVar(&overrideFlags.category, "category", "", "EMERGENCY_HOTFIX, FALSE_POSITIVE, LEGACY_CODE or BUSINESS_EXCEPTION")
	overrideCreateCmd.Flags().IntVar(&overrideFlags.ttlHours, "ttl", 0, "time box in hours (defaults to overrides.default_ttl_hours)")

	overrideRevokeCmd.Flags().StringVar(&overrideFlags.reason, "reason", "", "why the override is revoked")
	_ = overrideRevokeCmd.MarkFlagRequired("reason")

	overrideCheckCmd.Flags().StringVar(&overrideFlags.sha, "sha", "", "current head sha")
	overrideCheckCmd.Flags().StringVar(&overrideFlags.hash, "hash", "", "current evaluation hash")
}

type overrideView struct {
	*governance.Override
}

func (v overrideView) Header() []string {
	return []string{"ID", "STATUS", "CATEGORY", "REPO", "PR", "SHA", "EXPIRES"}
}

func (v overrideView) Rows() [][]string {
	o := v.Override
	return [][]string{{
		o.ID, string(o.Status), string(o.Category), o.RepoFullName,
		fmt.Sprint(o.PRNumber), o.TargetSHA, o.ExpiresAt.Format(time.RFC3339),
	}}
}

func runOverrideCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ttl := overrideFlags.ttlHours
	if ttl == 0 {
		ttl = cfg.Overrides.DefaultTTLHours
	}

	attestation, err := attest(overrideFlags.key, override.Payload{
		DecisionID:     overrideFlags.decision,
		EvaluationHash: overrideFlags.hash,
		TargetSHA:      overrideFlags.sha,
		ActorID:        overrideFlags.actor,
		Justification:  overrideFlags.justification,
	})
	if err != nil {
		return cli.NewCommandError("override create", err)
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("override create", err)
	}
	defer a.Close()

	o, err := a.overrides.Create(cmd.Context(), override.CreateRequest{
		DecisionID:     overrideFlags.decision,
		EvaluationHash: overrideFlags.hash,
		TargetSHA:      overrideFlags.sha,
		Category:       governance.OverrideCategory(strings.ToUpper(overrideFlags.category)),
		Justification:  overrideFlags.justification,
		TTLHours:       ttl,
		Actor:          override.Actor{ID: overrideFlags.actor, Role: overrideFlags.role},
		Attestation:    attestation,
	})
	if err != nil {
		return cli.NewCommandError("override create", err)
	}
	return printResult(cmd, overrideView{o})
}

func runOverrideSign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("override sign", err)
	}
	defer a.Close()

	details, err := a.overrides.Get(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("override sign", err)
	}
	o := details.Override
	attestation, err := attest(overrideFlags.key, override.Payload{
		DecisionID:     o.DecisionID,
		EvaluationHash: o.EvaluationHash,
		TargetSHA:      o.TargetSHA,
		ActorID:        overrideFlags.actor,
		Justification:  overrideFlags.justification,
	})
	if err != nil {
		return cli.NewCommandError("override sign", err)
	}

	sig, err := a.overrides.AddSignature(cmd.Context(), o.ID, override.SignRequest{
		Actor:         override.Actor{ID: overrideFlags.actor, Role: overrideFlags.role},
		Justification: overrideFlags.justification,
		Attestation:   attestation,
	})
	if err != nil {
		return cli.NewCommandError("override sign", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Signature %s added to override %s by %s\n", sig.ID, o.ID, sig.ActorID)
	return nil
}

func runOverrideRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("override revoke", err)
	}
	defer a.Close()

	rev, err := a.overrides.Revoke(cmd.Context(), args[0], overrideFlags.actor, overrideFlags.reason)
	if err != nil {
		return cli.NewCommandError("override revoke", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Override %s revoked by %s at %s\n",
		rev.OverrideID, rev.RevokedByActorID, rev.RevokedAt.Format(time.RFC3339))
	return nil
}

func runOverrideCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("override check", err)
	}
	defer a.Close()

	valid, err := a.overrides.IsValid(cmd.Context(), args[0], override.Check{
		CurrentSHA:  overrideFlags.sha,
		CurrentHash: overrideFlags.hash,
	})
	if err != nil && governance.Classify(err) != governance.KindIntegrity {
		return cli.NewCommandError("override check", err)
	}

	w := cmd.OutOrStdout()
	if valid {
		fmt.Fprintf(w, "✓ Override %s is valid for %s\n", args[0], overrideFlags.sha)
		return nil
	}
	if err != nil {
		fmt.Fprintf(w, "✗ Override %s is not valid: %v\n", args[0], err)
		return err
	}
	fmt.Fprintf(w, "✗ Override %s is no longer approved\n", args[0])
	return governance.NewIntegrityError(governance.ReasonStateConflict, "override is not approved")
}
