package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys use the "prgate.*" namespace.
const (
	AttrRepo        = "prgate.repo"
	AttrCommitSHA   = "prgate.commit_sha"
	AttrPRNumber    = "prgate.pr_number"
	AttrDeliveryID  = "prgate.delivery_id"
	AttrSnapshotID  = "prgate.snapshot.id"
	AttrPolicyCount = "prgate.policy.count"
	AttrRevision    = "prgate.rules_revision"
	AttrDecisionID  = "prgate.decision.id"
	AttrResult      = "prgate.decision.result"
	AttrFinalStatus = "prgate.decision.final_status"
	AttrOverrideID  = "prgate.override.id"
	AttrOutcome     = "prgate.outcome"
	AttrErrorKind   = "prgate.error.kind"
)

// SetWorkUnitAttributes tags a span with the unit of work it processes.
func SetWorkUnitAttributes(span trace.Span, repo, sha string, prNumber int, deliveryID string) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRepo, repo),
		attribute.String(AttrCommitSHA, sha),
		attribute.Int(AttrPRNumber, prNumber),
	}
	if deliveryID != "" {
		attrs = append(attrs, attribute.String(AttrDeliveryID, deliveryID))
	}
	span.SetAttributes(attrs...)
}

// SetDecisionAttributes tags a span with a recorded decision.
func SetDecisionAttributes(span trace.Span, decisionID, result, finalStatus string) {
	span.SetAttributes(
		attribute.String(AttrDecisionID, decisionID),
		attribute.String(AttrResult, result),
		attribute.String(AttrFinalStatus, finalStatus),
	)
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
