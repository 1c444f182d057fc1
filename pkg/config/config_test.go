package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("expected listen address %q, got %q", DefaultListenAddress, cfg.Server.ListenAddress)
	}
	if cfg.Storage.Backend != DefaultStorageBackend || cfg.Storage.SQLite.Path != DefaultSQLitePath {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Pipeline.Workers != 5 || cfg.Pipeline.MaxAttempts != 3 || cfg.Pipeline.StuckAfter != 10*time.Minute {
		t.Errorf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.GitHub.CheckName != "prgate/pr-gate" {
		t.Errorf("expected check name prgate/pr-gate, got %q", cfg.GitHub.CheckName)
	}
	if cfg.Overrides.DefaultTTLHours != 24 || cfg.Overrides.MaxTTLHours != 168 {
		t.Errorf("unexpected override defaults: %+v", cfg.Overrides)
	}
	if cfg.Signals.BypassThreshold != 5 || cfg.Signals.BypassWindow != 24*time.Hour {
		t.Errorf("unexpected signal defaults: %+v", cfg.Signals)
	}
	if len(cfg.Telemetry.Metrics.DurationBuckets) == 0 {
		t.Error("expected duration buckets")
	}

	// Idempotent and preserving.
	cfg.Server.ListenAddress = "0.0.0.0:9000"
	ApplyDefaults(cfg)
	if cfg.Server.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("existing value was overwritten: %q", cfg.Server.ListenAddress)
	}

	if err := Validate(Default()); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "0.0.0.0:8080"
  read_timeout: "60s"

storage:
  backend: "postgres"
  postgres:
    dsn: "postgres://prgate@localhost/prgate"

queue:
  backend: "redis"
  redis:
    address: "localhost:6379"

pipeline:
  workers: 8
  converge_timeout: "5s"

telemetry:
  logging:
    level: "debug"
    format: "text"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("expected read timeout %v, got %v", 60*time.Second, cfg.Server.ReadTimeout)
	}
	if cfg.Storage.Postgres.MaxOpenConns != DefaultPostgresMaxOpenConns {
		t.Errorf("expected postgres default max conns, got %d", cfg.Storage.Postgres.MaxOpenConns)
	}
	if cfg.Queue.Redis.KeyPrefix != "prgate" {
		t.Errorf("expected default key prefix, got %q", cfg.Queue.Redis.KeyPrefix)
	}
	if cfg.Pipeline.Workers != 8 || cfg.Pipeline.ConvergeTimeout != 5*time.Second {
		t.Errorf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected logging level %q, got %q", "debug", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/prgate.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}

	if _, err := LoadConfig(writeConfig(t, "server: [\n")); err == nil {
		t.Error("expected error for malformed YAML")
	}

	_, err := LoadConfig(writeConfig(t, `
storage:
  backend: "cassandra"
queue:
  backend: "redis"
`))
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors) != 2 {
		t.Errorf("expected 2 field errors, got %d: %v", len(verr.Errors), verr)
	}
	if !strings.Contains(err.Error(), "validation failed with 2 errors") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "127.0.0.1:8080"
`)

	t.Setenv("PRGATE_SERVER_LISTEN_ADDRESS", "0.0.0.0:9999")
	t.Setenv("PRGATE_PIPELINE_WORKERS", "12")
	t.Setenv("PRGATE_PIPELINE_STUCK_AFTER", "1m")
	t.Setenv("PRGATE_QUEUE_KAFKA_ENABLED", "true")
	t.Setenv("PRGATE_QUEUE_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PRGATE_QUEUE_KAFKA_TOPIC", "pull-requests")
	t.Setenv("PRGATE_GITHUB_TOKEN", "ghp_test")
	t.Setenv("PRGATE_OVERRIDES_MAX_TTL_HOURS", "not-a-number")
	t.Setenv("PRGATE_SECRETS_DIR", "/run/secrets")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9999" {
		t.Errorf("expected env listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Pipeline.Workers != 12 || cfg.Pipeline.StuckAfter != time.Minute {
		t.Errorf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if len(cfg.Queue.Kafka.Brokers) != 2 || cfg.Queue.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Queue.Kafka.Brokers)
	}
	if cfg.GitHub.Token != "ghp_test" {
		t.Errorf("expected token override, got %q", cfg.GitHub.Token)
	}
	if cfg.Secrets.Dir != "/run/secrets" || cfg.Secrets.EnvPrefix != DefaultSecretsEnvPrefix {
		t.Errorf("unexpected secrets: %+v", cfg.Secrets)
	}
	if cfg.Overrides.MaxTTLHours != DefaultOverrideMaxTTLHours {
		t.Errorf("malformed override should be ignored, got %d", cfg.Overrides.MaxTTLHours)
	}

	// Without a file, defaults plus env.
	cfg, err = LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.Pipeline.Workers != 12 {
		t.Errorf("expected env workers without file, got %d", cfg.Pipeline.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "server.listen_address"},
		{"unknown sqlite driver", func(c *Config) { c.Storage.SQLite.Driver = "sqlite4" }, "storage.sqlite.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres.dsn"},
		{"kafka without brokers", func(c *Config) { c.Queue.Kafka.Enabled = true; c.Queue.Kafka.Topic = "t" }, "queue.kafka.brokers"},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"bad recovery schedule", func(c *Config) { c.Pipeline.RecoverySchedule = "every minute" }, "pipeline.recovery_schedule"},
		{"poll slower than converge", func(c *Config) { c.Pipeline.PollInterval = time.Minute }, "pipeline.poll_interval"},
		{"bad frontend url", func(c *Config) { c.GitHub.FrontendURL = "not a url" }, "github.frontend_url"},
		{"git source without path", func(c *Config) { c.Facts.Source = "git" }, "git.repository_path"},
		{"default ttl above max", func(c *Config) { c.Overrides.DefaultTTLHours = 200 }, "overrides.default_ttl_hours"},
		{"attestation without keys", func(c *Config) { c.Overrides.RequireAttestation = true }, "overrides.actor_keys_file"},
		{"friction above 100", func(c *Config) { c.Simulation.FrictionThreshold = 150 }, "simulation.friction_threshold"},
		{"zero bypass threshold", func(c *Config) { c.Signals.BypassThreshold = 0 }, "signals.bypass_threshold"},
		{"bad logging level", func(c *Config) { c.Telemetry.Logging.Level = "trace" }, "telemetry.logging.level"},
		{"tls cert without key", func(c *Config) { c.Server.TLS.CertFile = "server.crt" }, "server.tls"},
		{"tls 1.1", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }, "server.tls.min_version"},
		{"tracing without endpoint", func(c *Config) { c.Telemetry.Tracing.Enabled = true }, "telemetry.tracing.endpoint"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.Tracing.SampleRatio = 2 }, "telemetry.tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)

			if tt.field == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}

			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verr)
			}
		})
	}
}
