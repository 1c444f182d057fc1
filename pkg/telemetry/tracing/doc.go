// Package tracing provides OpenTelemetry tracing for the gate.
//
// Every processed event gets a "pipeline.process" span with child spans for
// fact ingestion, policy resolution, evaluation and hand-off. Spans are
// exported over OTLP gRPC and sampled parent-based by trace id ratio.
//
// W3C Trace Context is propagated from webhook requests (HTTPMiddleware) and
// from Kafka message headers (ExtractFromMap).
//
// # Usage
//
//	tracer, err := tracing.New(ctx, &cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "pipeline.process")
//	tracing.SetWorkUnitAttributes(span, "acme/api", sha, 7, deliveryID)
//	defer span.End()
//
// A nil *Tracer is valid and behaves like Noop.
package tracing
