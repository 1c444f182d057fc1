package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/pipeline"
	"mercator-hq/prgate/pkg/policy/catalog"
	"mercator-hq/prgate/pkg/queue"
	"mercator-hq/prgate/pkg/scheduler"
	"mercator-hq/prgate/pkg/server"
	"mercator-hq/prgate/pkg/telemetry/health"
)

var serveFlags struct {
	listenAddress string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook receiver, worker pool and admin API",
	Long: `Start prgate as a long-running service.

The service accepts GitHub pull_request webhooks and admin API calls, queues
one unit of work per (repository, commit), evaluates it with a worker pool
and reports the verdict as a check run. Background jobs expire overrides and
recover units of work that were abandoned mid-evaluation.

Examples:
  # Start with a config file
  prgate serve --config /etc/prgate/config.yaml

  # Override listen address
  prgate serve --listen 0.0.0.0:8080

  # Validate config and connectivity without serving
  prgate serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config and open backends without serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer a.Close()

	if cfg.Policies.SeedDir != "" {
		rep, err := a.catalog.SyncDir(ctx, cfg.Policies.SeedDir)
		if err != nil {
			return cli.NewCommandError("serve", fmt.Errorf("initial policy sync: %w", err))
		}
		slog.Info("policy catalog synced", "dir", cfg.Policies.SeedDir, "created_policies", len(rep.CreatedPolicies), "new_versions", len(rep.NewVersions))
	}

	orch, err := a.orchestrator()
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	q, err := a.workQueue(ctx)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	a.tel.Health.RegisterPingers(map[string]health.Pinger{"storage": a.store})

	if serveFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	pool := pipeline.NewPool(q, orch, pipeline.PoolConfigFrom(cfg.Pipeline), a.tel.Metrics)
	recovery := pipeline.NewRecovery(a.store, q, cfg.Pipeline.StuckAfter)

	sched := scheduler.New()
	for _, job := range []scheduler.Job{
		a.overrides.ExpiryJob(cfg.Overrides.ExpirySchedule),
		recovery.Job(cfg.Pipeline.RecoverySchedule),
	} {
		if err := sched.Add(job); err != nil {
			return cli.NewCommandError("serve", err)
		}
	}

	deps := server.Deps{
		Catalog:       a.catalog,
		Overrides:     a.overrides,
		Simulations:   a.simulations,
		Reviews:       a.reviews,
		Ingestor:      a.ingestor,
		Insights:      a.insights,
		Submitter:     pool,
		Health:        a.tel.Health,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Version:       versionInfo(),
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.Metrics = a.tel.Metrics.Handler()
	}
	if deps.WebhookSecret == "" {
		slog.Warn("github.webhook_secret is empty, webhook endpoint disabled")
	}
	srv := server.NewServer(&cfg.Server, server.NewAPI(deps).Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	if cfg.Queue.Kafka.Enabled {
		src, err := queue.NewKafkaSource(cfg.Queue.Kafka, q)
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		defer src.Close()
		g.Go(func() error { return src.Run(gctx) })
	}

	if cfg.Policies.Watch && cfg.Policies.SeedDir != "" {
		w, err := catalog.NewWatcher(catalog.WatcherConfig{
			Dir:      cfg.Policies.SeedDir,
			Debounce: cfg.Policies.Debounce,
		}, a.catalog)
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		g.Go(func() error { return w.Run(gctx, nil) })
	}

	fmt.Fprintf(cmd.OutOrStdout(), "prgate %s listening on %s (storage=%s, queue=%s, facts=%s)\n",
		Version, cfg.Server.ListenAddress, a.store.Backend(), cfg.Queue.Backend, cfg.Facts.Source)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return cli.NewCommandError("serve", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Server stopped")
	return nil
}
