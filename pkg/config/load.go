package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRGATE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention PRGATE_SECTION_FIELD (e.g., PRGATE_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from defaults.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envString("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	envString("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)

	// Storage overrides
	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envString("STORAGE_SQLITE_DRIVER", &cfg.Storage.SQLite.Driver)
	envString("STORAGE_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	envInt("STORAGE_POSTGRES_MAX_OPEN_CONNS", &cfg.Storage.Postgres.MaxOpenConns)

	// Queue overrides
	envString("QUEUE_BACKEND", &cfg.Queue.Backend)
	envString("QUEUE_REDIS_ADDRESS", &cfg.Queue.Redis.Address)
	envString("QUEUE_REDIS_PASSWORD", &cfg.Queue.Redis.Password)
	envInt("QUEUE_REDIS_DB", &cfg.Queue.Redis.DB)
	envString("QUEUE_REDIS_KEY_PREFIX", &cfg.Queue.Redis.KeyPrefix)
	envBool("QUEUE_KAFKA_ENABLED", &cfg.Queue.Kafka.Enabled)
	if val := os.Getenv(EnvPrefix + "QUEUE_KAFKA_BROKERS"); val != "" {
		cfg.Queue.Kafka.Brokers = splitList(val)
	}
	envString("QUEUE_KAFKA_TOPIC", &cfg.Queue.Kafka.Topic)
	envString("QUEUE_KAFKA_GROUP_ID", &cfg.Queue.Kafka.GroupID)

	// Pipeline overrides
	envInt("PIPELINE_WORKERS", &cfg.Pipeline.Workers)
	envInt("PIPELINE_MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	envDuration("PIPELINE_STUCK_AFTER", &cfg.Pipeline.StuckAfter)
	envDuration("PIPELINE_CONVERGE_TIMEOUT", &cfg.Pipeline.ConvergeTimeout)
	envString("PIPELINE_RECOVERY_SCHEDULE", &cfg.Pipeline.RecoverySchedule)

	// GitHub overrides
	envString("GITHUB_TOKEN", &cfg.GitHub.Token)
	envString("GITHUB_BASE_URL", &cfg.GitHub.BaseURL)
	envString("GITHUB_WEBHOOK_SECRET", &cfg.GitHub.WebhookSecret)
	envString("GITHUB_CHECK_NAME", &cfg.GitHub.CheckName)
	envString("GITHUB_FRONTEND_URL", &cfg.GitHub.FrontendURL)

	envString("SECRETS_DIR", &cfg.Secrets.Dir)

	// Fact source overrides
	envString("GIT_REPOSITORY_PATH", &cfg.Git.RepositoryPath)
	envString("GIT_REMOTE", &cfg.Git.Remote)
	envString("FACTS_SOURCE", &cfg.Facts.Source)

	// Catalog overrides
	envString("POLICIES_SEED_DIR", &cfg.Policies.SeedDir)
	envBool("POLICIES_WATCH", &cfg.Policies.Watch)

	// Override overrides
	envInt("OVERRIDES_DEFAULT_TTL_HOURS", &cfg.Overrides.DefaultTTLHours)
	envInt("OVERRIDES_MAX_TTL_HOURS", &cfg.Overrides.MaxTTLHours)
	envString("OVERRIDES_EXPIRY_SCHEDULE", &cfg.Overrides.ExpirySchedule)
	envString("OVERRIDES_ACTOR_KEYS_FILE", &cfg.Overrides.ActorKeysFile)
	envBool("OVERRIDES_REQUIRE_ATTESTATION", &cfg.Overrides.RequireAttestation)

	// Signal overrides
	envInt("SIGNALS_BYPASS_THRESHOLD", &cfg.Signals.BypassThreshold)
	envDuration("SIGNALS_BYPASS_WINDOW", &cfg.Signals.BypassWindow)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	envBool("TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

// Malformed values are ignored and the file or default value stays in effect.

func envString(key string, dst *string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
