package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"mercator-hq/prgate/pkg/cli"
	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/facts"
	factsgithub "mercator-hq/prgate/pkg/facts/github"
	"mercator-hq/prgate/pkg/facts/gitsource"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/handoff"
	"mercator-hq/prgate/pkg/insights"
	"mercator-hq/prgate/pkg/override"
	"mercator-hq/prgate/pkg/pipeline"
	"mercator-hq/prgate/pkg/policy/catalog"
	"mercator-hq/prgate/pkg/policy/engine"
	"mercator-hq/prgate/pkg/policy/resolver"
	"mercator-hq/prgate/pkg/queue"
	"mercator-hq/prgate/pkg/report"
	reportgithub "mercator-hq/prgate/pkg/report/github"
	"mercator-hq/prgate/pkg/review"
	"mercator-hq/prgate/pkg/simulation"
	"mercator-hq/prgate/pkg/storage"
	"mercator-hq/prgate/pkg/telemetry"
	"mercator-hq/prgate/pkg/telemetry/health"
)

// busBuffer is the number of decision events held for slow subscribers.
const busBuffer = 256

// app holds the components shared by every command. Commands that only read
// or administer the ledger never build the pipeline.
type app struct {
	cfg         *config.Config
	tel         *telemetry.Telemetry
	store       governance.Store
	engine      *engine.Engine
	catalog     *catalog.Service
	overrides   *override.Service
	insights    *insights.Tracker
	simulations *simulation.Service
	reviews     *review.Service
	ingestor    *facts.Ingestor

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.Setup(ctx, &cfg.Telemetry, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		engine: engine.New(nil),
	}
	a.closers = append(a.closers, store.Close)

	a.catalog = catalog.NewService(store)
	a.overrides = override.NewService(store, override.Config{
		MaxTTLHours:        cfg.Overrides.MaxTTLHours,
		RequireAttestation: cfg.Overrides.RequireAttestation,
	})
	if cfg.Overrides.ActorKeysFile != "" {
		ring, err := override.LoadKeyRing(cfg.Overrides.ActorKeysFile)
		if err != nil {
			a.Close()
			return nil, cli.NewConfigError("overrides.actor_keys_file", err.Error())
		}
		a.overrides.WithKeyRing(ring)
	}
	a.insights = insights.NewTracker(store, insights.Config{
		BypassThreshold: cfg.Signals.BypassThreshold,
		BypassWindow:    cfg.Signals.BypassWindow,
	})
	a.simulations = simulation.NewService(store, a.catalog, a.engine, cfg.Simulation, tel.Metrics)
	a.reviews = review.NewService(store, a.engine)
	a.ingestor = facts.NewIngestor(store, nil)

	slog.Debug("application initialized",
		"storage", store.Backend(),
		"engine_version", a.engine.Version(),
	)
	return a, nil
}

// Close releases everything newApp and the pipeline builders opened, in
// reverse order, and flushes telemetry.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// factSource builds the configured change set source.
func (a *app) factSource() (facts.Source, error) {
	switch a.cfg.Facts.Source {
	case "git":
		return gitsource.NewSource(&gitsource.Config{
			Path:   a.cfg.Git.RepositoryPath,
			Remote: a.cfg.Git.Remote,
			Token:  a.cfg.GitHub.Token,
		})
	default:
		client, err := factsgithub.NewClient(a.cfg.GitHub.Token, a.cfg.GitHub.BaseURL, nil)
		if err != nil {
			return nil, err
		}
		return factsgithub.NewSource(client), nil
	}
}

// reporter publishes check runs when a GitHub token is configured and
// always logs.
func (a *app) reporter() (report.Reporter, error) {
	logReporter := report.NewLogReporter(slog.Default())
	if a.cfg.GitHub.Token == "" {
		return logReporter, nil
	}

	client, err := factsgithub.NewClient(a.cfg.GitHub.Token, a.cfg.GitHub.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	checks := reportgithub.NewReporter(client, reportgithub.Config{
		CheckName:   a.cfg.GitHub.CheckName,
		FrontendURL: a.cfg.GitHub.FrontendURL,
	})
	return report.Multi{checks, logReporter}, nil
}

// orchestrator wires the decision pipeline. The decision bus feeds metrics
// and governance memory and is closed with the app.
func (a *app) orchestrator() (*pipeline.Orchestrator, error) {
	src, err := a.factSource()
	if err != nil {
		return nil, fmt.Errorf("failed to create fact source: %w", err)
	}
	rep, err := a.reporter()
	if err != nil {
		return nil, fmt.Errorf("failed to create reporter: %w", err)
	}

	bus := handoff.NewBus(busBuffer, a.tel.Metrics, a.insights)
	a.closers = append(a.closers, bus.Close)

	return pipeline.New(pipeline.Deps{
		Store:     a.store,
		Ingestor:  facts.NewIngestor(a.store, src).WithObserver(a.tel.Metrics),
		Resolver:  resolver.New(a.store),
		Engine:    a.engine,
		Overrides: a.overrides,
		Handoff:   handoff.New(a.store, rep, bus),
		Reporter:  rep,
		Metrics:   a.tel.Metrics,
		Tracer:    a.tel.Tracer,
	}, pipeline.ConfigFrom(a.cfg.Pipeline))
}

// workQueue opens the configured queue. A Redis queue first returns messages
// a previous process left in flight.
func (a *app) workQueue(ctx context.Context) (queue.Queue, error) {
	switch a.cfg.Queue.Backend {
	case "redis":
		client, err := queue.NewRedisClient(ctx, a.cfg.Queue.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		q := queue.NewRedisQueue(client, a.cfg.Queue.Redis.KeyPrefix).WithPollInterval(a.cfg.Pipeline.PollInterval)
		n, err := q.RequeueInFlight(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue in-flight messages: %w", err)
		}
		if n > 0 {
			slog.Info("requeued in-flight messages", "count", n)
		}
		a.tel.Health.RegisterPingers(map[string]health.Pinger{"queue": q})
		a.closers = append(a.closers, q.Close)
		return q, nil
	default:
		q := queue.NewMemoryQueue()
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
}
