// Package config provides configuration management for prgate.
//
// This package handles loading and validating configuration from YAML files
// with environment variable overrides. It provides a type-safe configuration
// system with collected validation errors and sensible defaults.
//
// # Configuration Loading
//
// Configuration can be loaded in two ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("prgate.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("prgate.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention PRGATE_SECTION_FIELD.
// For example:
//
//   - PRGATE_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - PRGATE_GITHUB_TOKEN overrides github.token
//   - PRGATE_STORAGE_POSTGRES_DSN overrides storage.postgres.dsn
//
// Credential fields may instead hold ${secret:name} references, resolved at
// startup from secrets.dir and then from PRGATE_SECRET_* variables.
//
// # Configuration Precedence
//
// Configuration values are applied in the following order (later overrides earlier):
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// There is no package-level configuration instance. The loaded *Config is
// passed to constructors explicitly.
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	  tls:
//	    cert_file: "/etc/prgate/tls.crt"
//	    key_file: "/etc/prgate/tls.key"
//
//	storage:
//	  backend: "postgres"
//	  postgres:
//	    dsn: "postgres://prgate@db:5432/prgate"
//
//	queue:
//	  backend: "redis"
//	  redis:
//	    address: "redis:6379"
//
//	github:
//	  frontend_url: "https://gate.example.com"
//
//	policies:
//	  seed_dir: "./policies"
//	  watch: true
//
//	telemetry:
//	  logging:
//	    level: "info"
//	    format: "json"
package config
