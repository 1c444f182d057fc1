// Package logging builds the process logger.
//
// New returns a standard *slog.Logger backed by a ContextHandler. The handler
// copies correlation fields from the context (delivery_id, repo, commit_sha,
// decision_id, actor_id, trace_id) onto every record logged with a *Context
// method, and redacts GitHub tokens, bearer tokens, DSN passwords and any
// attribute whose key names a secret.
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
//	ctx = logging.WithDeliveryID(ctx, deliveryID)
//	ctx = logging.WithWorkUnit(ctx, "acme/api", sha)
//	slog.InfoContext(ctx, "processing event") // includes delivery_id, repo, commit_sha
package logging
