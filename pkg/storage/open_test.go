package storage

import (
	"path/filepath"
	"testing"

	"mercator-hq/prgate/pkg/config"
)

// TestOpen tests backend selection from configuration.
func TestOpen(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.StorageConfig
		wantBackend string
		wantErr     bool
	}{
		{"memory", config.StorageConfig{Backend: "memory"}, "memory", false},
		{"sqlite3", config.StorageConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Driver: DriverSQLite3}}, DriverSQLite3, false},
		{"pure go sqlite", config.StorageConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Driver: DriverSQLite}}, DriverSQLite, false},
		{"unknown backend", config.StorageConfig{Backend: "mongo"}, "", true},
		{"unknown driver", config.StorageConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Driver: "oracle"}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")

			store, err := Open(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer store.Close()
			if store.Backend() != tt.wantBackend {
				t.Errorf("Backend() = %q, want %q", store.Backend(), tt.wantBackend)
			}
		})
	}
}
