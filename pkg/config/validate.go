package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validatePipeline(&cfg.Pipeline)...)
	errs = append(errs, validateGitHub(&cfg.GitHub)...)
	errs = append(errs, validateFacts(cfg)...)
	errs = append(errs, validateOverrides(&cfg.Overrides)...)
	errs = append(errs, validateSimulation(&cfg.Simulation)...)
	errs = append(errs, validateSignals(&cfg.Signals)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}

	timeouts := []struct {
		field string
		value time.Duration
	}{
		{"server.read_timeout", cfg.ReadTimeout},
		{"server.write_timeout", cfg.WriteTimeout},
		{"server.idle_timeout", cfg.IdleTimeout},
		{"server.shutdown_timeout", cfg.ShutdownTimeout},
	}
	for _, tt := range timeouts {
		if tt.value < 0 {
			errs = append(errs, FieldError{Field: tt.field, Message: "timeout must be positive"})
		}
	}

	if cfg.TLS.Enabled() && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		errs = append(errs, FieldError{
			Field:   "server.tls",
			Message: "cert_file and key_file must be set together",
		})
	}
	switch cfg.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, FieldError{
			Field:   "server.tls.min_version",
			Message: fmt.Sprintf("invalid TLS version %q: must be '1.2' or '1.3'", cfg.TLS.MinVersion),
		})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "path is required for the sqlite backend",
			})
		}
		if cfg.SQLite.Driver != "sqlite3" && cfg.SQLite.Driver != "sqlite" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.driver",
				Message: fmt.Sprintf("invalid driver %q: must be 'sqlite3' or 'sqlite'", cfg.SQLite.Driver),
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.busy_timeout",
				Message: "busy timeout must be positive",
			})
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.dsn",
				Message: "dsn is required for the postgres backend",
			})
		}
		if cfg.Postgres.MaxOpenConns < 1 {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.max_open_conns",
				Message: "max open connections must be at least 1",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'postgres'", cfg.Backend),
		})
	}

	return errs
}

func validateQueue(cfg *QueueConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			errs = append(errs, FieldError{
				Field:   "queue.redis.address",
				Message: "address is required for the redis backend",
			})
		}
		if cfg.Redis.DB < 0 {
			errs = append(errs, FieldError{
				Field:   "queue.redis.db",
				Message: "db must be non-negative",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "queue.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'redis'", cfg.Backend),
		})
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			errs = append(errs, FieldError{
				Field:   "queue.kafka.brokers",
				Message: "at least one broker is required when kafka is enabled",
			})
		}
		if cfg.Kafka.Topic == "" {
			errs = append(errs, FieldError{
				Field:   "queue.kafka.topic",
				Message: "topic is required when kafka is enabled",
			})
		}
	}

	return errs
}

func validatePipeline(cfg *PipelineConfig) []FieldError {
	var errs []FieldError

	if cfg.Workers < 1 || cfg.Workers > 256 {
		errs = append(errs, FieldError{
			Field:   "pipeline.workers",
			Message: "workers must be between 1 and 256",
		})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, FieldError{
			Field:   "pipeline.max_attempts",
			Message: "max attempts must be at least 1",
		})
	}
	if cfg.BackoffBase < 0 {
		errs = append(errs, FieldError{
			Field:   "pipeline.backoff_base",
			Message: "backoff must be positive",
		})
	}
	if cfg.StuckAfter <= 0 {
		errs = append(errs, FieldError{
			Field:   "pipeline.stuck_after",
			Message: "stuck_after must be positive",
		})
	}
	if cfg.PollInterval <= 0 || (cfg.ConvergeTimeout > 0 && cfg.PollInterval > cfg.ConvergeTimeout) {
		errs = append(errs, FieldError{
			Field:   "pipeline.poll_interval",
			Message: "poll interval must be positive and not exceed converge_timeout",
		})
	}
	errs = append(errs, validateSchedule("pipeline.recovery_schedule", cfg.RecoverySchedule)...)

	return errs
}

func validateGitHub(cfg *GitHubConfig) []FieldError {
	var errs []FieldError

	if cfg.CheckName == "" {
		errs = append(errs, FieldError{
			Field:   "github.check_name",
			Message: "check name is required",
		})
	}
	for field, raw := range map[string]string{
		"github.base_url":     cfg.BaseURL,
		"github.frontend_url": cfg.FrontendURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("invalid URL %q", raw)})
		}
	}

	return errs
}

func validateFacts(cfg *Config) []FieldError {
	var errs []FieldError

	switch cfg.Facts.Source {
	case "github":
	case "git":
		if cfg.Git.RepositoryPath == "" {
			errs = append(errs, FieldError{
				Field:   "git.repository_path",
				Message: "repository path is required when facts.source is 'git'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "facts.source",
			Message: fmt.Sprintf("invalid source %q: must be 'github' or 'git'", cfg.Facts.Source),
		})
	}

	return errs
}

func validateOverrides(cfg *OverridesConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxTTLHours < 1 {
		errs = append(errs, FieldError{
			Field:   "overrides.max_ttl_hours",
			Message: "max ttl must be at least 1 hour",
		})
	}
	if cfg.DefaultTTLHours < 1 || cfg.DefaultTTLHours > cfg.MaxTTLHours {
		errs = append(errs, FieldError{
			Field:   "overrides.default_ttl_hours",
			Message: "default ttl must be between 1 and max_ttl_hours",
		})
	}
	if cfg.RequireAttestation && cfg.ActorKeysFile == "" {
		errs = append(errs, FieldError{
			Field:   "overrides.actor_keys_file",
			Message: "actor keys file is required when attestations are required",
		})
	}
	errs = append(errs, validateSchedule("overrides.expiry_schedule", cfg.ExpirySchedule)...)

	return errs
}

func validateSimulation(cfg *SimulationConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxSampleSize < 1 {
		errs = append(errs, FieldError{
			Field:   "simulation.max_sample_size",
			Message: "max sample size must be at least 1",
		})
	}
	if cfg.FrictionThreshold < 0 || cfg.FrictionThreshold > 100 {
		errs = append(errs, FieldError{
			Field:   "simulation.friction_threshold",
			Message: "friction threshold must be between 0 and 100",
		})
	}
	if cfg.ImpactedLimit < 1 {
		errs = append(errs, FieldError{
			Field:   "simulation.impacted_limit",
			Message: "impacted limit must be at least 1",
		})
	}

	return errs
}

func validateSignals(cfg *SignalsConfig) []FieldError {
	var errs []FieldError

	if cfg.BypassThreshold < 1 {
		errs = append(errs, FieldError{
			Field:   "signals.bypass_threshold",
			Message: "bypass threshold must be at least 1",
		})
	}
	if cfg.BypassWindow <= 0 {
		errs = append(errs, FieldError{
			Field:   "signals.bypass_window",
			Message: "bypass window must be positive",
		})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Logging.Level == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: "logging level is required",
		})
	} else if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if cfg.Logging.Format == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: "logging format is required",
		})
	} else if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Path == "" || cfg.Metrics.Path[0] != '/' {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "metrics path must start with / when metrics are enabled",
			})
		}
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if cfg.Health.CheckTimeout < 0 || cfg.Health.CheckTimeout > 60*time.Second {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.check_timeout",
			Message: "check timeout must be between 0 and 60s",
		})
	}

	return errs
}

func validateSchedule(field, spec string) []FieldError {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid cron expression %q: %v", spec, err)}}
	}
	return nil
}
