package logging

import (
	"context"
)

// Context keys for common log fields.
type contextKey string

const (
	// DeliveryIDKey is the context key for inbound delivery ids.
	DeliveryIDKey contextKey = "delivery_id"

	// RepoKey is the context key for "owner/repo" names.
	RepoKey contextKey = "repo"

	// CommitSHAKey is the context key for the commit under evaluation.
	CommitSHAKey contextKey = "commit_sha"

	// DecisionIDKey is the context key for decision ids.
	DecisionIDKey contextKey = "decision_id"

	// ActorIDKey is the context key for the acting human on admin calls.
	ActorIDKey contextKey = "actor_id"

	// TraceIDKey is the context key for trace IDs.
	TraceIDKey contextKey = "trace_id"
)

// contextFields is the extraction order of context fields.
var contextFields = []contextKey{
	DeliveryIDKey,
	RepoKey,
	CommitSHAKey,
	DecisionIDKey,
	ActorIDKey,
	TraceIDKey,
}

// WithDeliveryID adds a delivery id to the context.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DeliveryIDKey, id)
}

// GetDeliveryID retrieves the delivery id from the context.
func GetDeliveryID(ctx context.Context) string {
	return get(ctx, DeliveryIDKey)
}

// WithWorkUnit adds the repository and commit of a unit of work.
func WithWorkUnit(ctx context.Context, repo, sha string) context.Context {
	ctx = context.WithValue(ctx, RepoKey, repo)
	return context.WithValue(ctx, CommitSHAKey, sha)
}

// GetRepo retrieves the repository from the context.
func GetRepo(ctx context.Context) string {
	return get(ctx, RepoKey)
}

// GetCommitSHA retrieves the commit sha from the context.
func GetCommitSHA(ctx context.Context) string {
	return get(ctx, CommitSHAKey)
}

// WithDecisionID adds a decision id to the context.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DecisionIDKey, id)
}

// GetDecisionID retrieves the decision id from the context.
func GetDecisionID(ctx context.Context) string {
	return get(ctx, DecisionIDKey)
}

// WithActorID adds an actor id to the context.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ActorIDKey, id)
}

// GetActorID retrieves the actor id from the context.
func GetActorID(ctx context.Context) string {
	return get(ctx, ActorIDKey)
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func get(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// extractContextFields extracts common fields from context for logging.
// Returns a slice of key-value pairs suitable for logger.With().
func extractContextFields(ctx context.Context) []any {
	var fields []any
	for _, key := range contextFields {
		if v := get(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}
