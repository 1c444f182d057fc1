// Package telemetry wires the observability stack of the gate.
//
// # Components
//
//   - logging: slog handler with context fields and credential redaction
//   - metrics: Prometheus collector fed by decision events
//   - tracing: OpenTelemetry spans over OTLP gRPC
//   - health: liveness, readiness and version endpoints
//
// # Usage
//
//	tel, err := telemetry.Setup(ctx, &cfg.Telemetry, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	bus := handoff.NewBus(256, tel.Metrics)
package telemetry
