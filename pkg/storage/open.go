package storage

import (
	"fmt"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/governance"
)

// Open builds the ledger selected by cfg.Backend.
func Open(cfg config.StorageConfig) (governance.Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil

	case "sqlite", "":
		sc := DefaultSQLConfig()
		if cfg.SQLite.Driver != "" {
			sc.Driver = cfg.SQLite.Driver
		}
		if cfg.SQLite.Path != "" {
			sc.DSN = cfg.SQLite.Path
		}
		sc.WALMode = cfg.SQLite.WALMode
		if cfg.SQLite.BusyTimeout > 0 {
			sc.BusyTimeout = cfg.SQLite.BusyTimeout
		}
		return NewSQLStore(sc)

	case "postgres":
		sc := DefaultSQLConfig()
		sc.Driver = DriverPostgres
		sc.DSN = cfg.Postgres.DSN
		if cfg.Postgres.MaxOpenConns > 0 {
			sc.MaxOpenConns = cfg.Postgres.MaxOpenConns
			sc.MaxIdleConns = cfg.Postgres.MaxOpenConns / 2
		}
		return NewSQLStore(sc)

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
