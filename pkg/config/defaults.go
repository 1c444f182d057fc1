package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Storage defaults
	DefaultStorageBackend       = "sqlite"
	DefaultSQLitePath           = "data/prgate.db"
	DefaultSQLiteDriver         = "sqlite3"
	DefaultSQLiteWALMode        = true
	DefaultSQLiteBusyTimeout    = 5 * time.Second
	DefaultSQLiteMaxOpenConns   = 10
	DefaultPostgresMaxOpenConns = 20

	// Queue defaults
	DefaultQueueBackend   = "memory"
	DefaultRedisKeyPrefix = "prgate"
	DefaultKafkaGroupID   = "prgate"

	// Pipeline defaults
	DefaultWorkers          = 5
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = time.Second
	DefaultStuckAfter       = 10 * time.Minute
	DefaultConvergeTimeout  = 30 * time.Second
	DefaultPollInterval     = 200 * time.Millisecond
	DefaultRecoverySchedule = "*/5 * * * *"

	// GitHub defaults
	DefaultCheckName   = "prgate/pr-gate"
	DefaultFrontendURL = "http://localhost:8080"

	// Facts defaults
	DefaultFactsSource = "github"

	// Policy catalog defaults
	DefaultPolicyDebounce = 200 * time.Millisecond

	// Override defaults
	DefaultOverrideTTLHours    = 24
	DefaultOverrideMaxTTLHours = 168
	DefaultExpirySchedule      = "*/10 * * * *"

	// Simulation defaults
	DefaultMaxSampleSize     = 500
	DefaultFrictionThreshold = 10.0
	DefaultImpactedLimit     = 50

	// Signal defaults
	DefaultBypassThreshold = 5
	DefaultBypassWindow    = 24 * time.Hour

	DefaultSecretsEnvPrefix = "PRGATE_SECRET_"
	DefaultTLSMinVersion    = "1.2"

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "prgate"
	DefaultMetricsSubsystem    = "gate"
	DefaultTracingSamplingRate = 1.0
	DefaultTracingServiceName  = "prgate"
	DefaultHealthCheckTimeout  = 5 * time.Second
)

// DefaultDurationBuckets covers webhook-to-verdict latencies.
var DefaultDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = DefaultTLSMinVersion
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.Driver == "" {
		cfg.Storage.SQLite.Driver = DefaultSQLiteDriver
	}
	// WAL cannot be told apart from "unset", so it is always on.
	if !cfg.Storage.SQLite.WALMode {
		cfg.Storage.SQLite.WALMode = DefaultSQLiteWALMode
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if cfg.Storage.SQLite.MaxOpenConns == 0 {
		cfg.Storage.SQLite.MaxOpenConns = DefaultSQLiteMaxOpenConns
	}
	if cfg.Storage.Postgres.MaxOpenConns == 0 {
		cfg.Storage.Postgres.MaxOpenConns = DefaultPostgresMaxOpenConns
	}

	// Queue defaults
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = DefaultQueueBackend
	}
	if cfg.Queue.Redis.KeyPrefix == "" {
		cfg.Queue.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Queue.Kafka.GroupID == "" {
		cfg.Queue.Kafka.GroupID = DefaultKafkaGroupID
	}

	applyPipelineDefaults(&cfg.Pipeline)

	// GitHub defaults
	if cfg.GitHub.CheckName == "" {
		cfg.GitHub.CheckName = DefaultCheckName
	}
	if cfg.GitHub.FrontendURL == "" {
		cfg.GitHub.FrontendURL = DefaultFrontendURL
	}

	if cfg.Facts.Source == "" {
		cfg.Facts.Source = DefaultFactsSource
	}
	if cfg.Policies.Debounce == 0 {
		cfg.Policies.Debounce = DefaultPolicyDebounce
	}

	// Override defaults
	if cfg.Overrides.DefaultTTLHours == 0 {
		cfg.Overrides.DefaultTTLHours = DefaultOverrideTTLHours
	}
	if cfg.Overrides.MaxTTLHours == 0 {
		cfg.Overrides.MaxTTLHours = DefaultOverrideMaxTTLHours
	}
	if cfg.Overrides.ExpirySchedule == "" {
		cfg.Overrides.ExpirySchedule = DefaultExpirySchedule
	}

	// Simulation defaults
	if cfg.Simulation.MaxSampleSize == 0 {
		cfg.Simulation.MaxSampleSize = DefaultMaxSampleSize
	}
	if cfg.Simulation.FrictionThreshold == 0 {
		cfg.Simulation.FrictionThreshold = DefaultFrictionThreshold
	}
	if cfg.Simulation.ImpactedLimit == 0 {
		cfg.Simulation.ImpactedLimit = DefaultImpactedLimit
	}

	// Signal defaults
	if cfg.Signals.BypassThreshold == 0 {
		cfg.Signals.BypassThreshold = DefaultBypassThreshold
	}
	if cfg.Signals.BypassWindow == 0 {
		cfg.Signals.BypassWindow = DefaultBypassWindow
	}

	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.StuckAfter == 0 {
		p.StuckAfter = DefaultStuckAfter
	}
	if p.ConvergeTimeout == 0 {
		p.ConvergeTimeout = DefaultConvergeTimeout
	}
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.RecoverySchedule == "" {
		p.RecoverySchedule = DefaultRecoverySchedule
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultPrometheusPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(t.Metrics.DurationBuckets) == 0 {
		t.Metrics.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSamplingRate
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
