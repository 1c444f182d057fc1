// Package secrets resolves ${secret:name} references in configuration values.
//
// Credentials such as the GitHub token, the webhook secret or the Postgres
// DSN can be kept out of the config file:
//
//	github:
//	  token: ${secret:github-token}
//	  webhook_secret: ${secret:webhook-secret}
//
// References are resolved once at startup against a chain of providers: a
// directory of secret files (Kubernetes style mounts) first, then
// environment variables.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"mercator-hq/prgate/pkg/config"
)

var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Provider looks up one secret by name.
type Provider interface {
	Lookup(ctx context.Context, name string) (string, error)
	Name() string
}

// Resolver tries providers in order until one has the secret.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a Resolver over providers.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    slog.Default().With("component", "secrets"),
	}
}

// FromConfig builds the provider chain described by cfg.
func FromConfig(cfg config.SecretsConfig) (*Resolver, error) {
	var providers []Provider
	if cfg.Dir != "" {
		fp, err := NewFileProvider(cfg.Dir)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	providers = append(providers, NewEnvProvider(cfg.EnvPrefix))
	return NewResolver(providers...), nil
}

// Lookup returns the first value any provider has for name.
func (r *Resolver) Lookup(ctx context.Context, name string) (string, error) {
	var errs []string
	for _, p := range r.providers {
		value, err := p.Lookup(ctx, name)
		if err == nil {
			r.logger.Debug("secret resolved", "name", redact(name), "provider", p.Name())
			return value, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("secret %q: no providers configured", name)
	}
	return "", fmt.Errorf("secret %q not found (%s)", name, strings.Join(errs, "; "))
}

// Expand replaces every reference in s. Unresolvable references are left in
// place and reported together.
func (r *Resolver) Expand(ctx context.Context, s string) (string, error) {
	if !strings.Contains(s, "${secret:") {
		return s, nil
	}

	var errs []string
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		value, err := r.Lookup(ctx, name)
		if err != nil {
			errs = append(errs, err.Error())
			return match
		}
		return value
	})
	if len(errs) > 0 {
		return out, fmt.Errorf("unresolved secret references: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

// ResolveConfig expands references in the credential fields of cfg in place.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []struct {
		path string
		dst  *string
	}{
		{"github.token", &cfg.GitHub.Token},
		{"github.webhook_secret", &cfg.GitHub.WebhookSecret},
		{"storage.postgres.dsn", &cfg.Storage.Postgres.DSN},
		{"queue.redis.password", &cfg.Queue.Redis.Password},
	}
	for _, f := range fields {
		value, err := r.Expand(ctx, *f.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
		*f.dst = value
	}
	return nil
}

// redact keeps secret names out of logs beyond their edges.
func redact(name string) string {
	if len(name) <= 4 {
		return "***"
	}
	return name[:2] + "..." + name[len(name)-2:]
}
