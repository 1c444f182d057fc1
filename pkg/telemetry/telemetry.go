package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/telemetry/health"
	"mercator-hq/prgate/pkg/telemetry/logging"
	"mercator-hq/prgate/pkg/telemetry/metrics"
	"mercator-hq/prgate/pkg/telemetry/tracing"
)

// Telemetry bundles the process-wide observability components.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Health  *health.Checker
}

// Setup builds every component from cfg and installs the logger as the slog
// default.
func Setup(ctx context.Context, cfg *config.TelemetryConfig, logOut io.Writer) (*Telemetry, error) {
	logger, err := logging.New(logging.FromConfig(cfg.Logging, logOut))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracer, err := tracing.New(ctx, &cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	logger.Info("telemetry initialized",
		"log_level", cfg.Logging.Level,
		"metrics_enabled", cfg.Metrics.Enabled,
		"tracing_enabled", cfg.Tracing.Enabled,
	)

	return &Telemetry{
		Logger:  logger,
		Metrics: metrics.NewCollector(&cfg.Metrics, registry),
		Tracer:  tracer,
		Health:  health.New(cfg.Health.CheckTimeout),
	}, nil
}

// Shutdown flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}
