package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/secrets"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	output  string
)

var rootCmd = &cobra.Command{
	Use:   "prgate",
	Short: "prgate - policy gate for pull requests",
	Long: `prgate evaluates pull request revisions against versioned governance
policies and records every verdict in an append-only ledger.

A decision is made once per (repository, commit) and is bound to the facts
and the policy versions it was computed from. Blocked changes can be
unblocked only through signed, time-boxed overrides scoped to one commit.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", string(cli.FormatTable), "output format: table, json")
}

// loadConfig reads the configuration file, applies PRGATE_* overrides and
// the verbose flag, then resolves secret references.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	resolver, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return nil, cli.NewConfigError("secrets.dir", err.Error())
	}
	if err := resolver.ResolveConfig(context.Background(), cfg); err != nil {
		return nil, cli.NewConfigError("secrets", err.Error())
	}
	return cfg, nil
}

// printResult writes v to the command's output in the selected format.
func printResult(cmd *cobra.Command, v any) error {
	f, err := cli.NewFormatter(cli.OutputFormat(output))
	if err != nil {
		return err
	}
	return f.FormatTo(cmd.OutOrStdout(), v)
}
