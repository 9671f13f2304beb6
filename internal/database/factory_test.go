package database

import (
	"os"
	"path/filepath"
	"testing"

	"extpack/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	t.Run("none disables history", func(t *testing.T) {
		for _, typ := range []string{"none", ""} {
			got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: typ})
			if err != nil {
				t.Errorf("NewDatabaseFromConfig(%q) unexpected error: %v", typ, err)
			}
			if got != nil {
				t.Errorf("NewDatabaseFromConfig(%q) = %v, want nil", typ, got)
			}
		}
	})

	t.Run("memory database", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("sqlite database creates data_dir", func(t *testing.T) {
		dataDir := filepath.Join(t.TempDir(), "nested", "db")
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: dataDir})
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if _, err := os.Stat(filepath.Join(dataDir, dbFileName)); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("sqlite database without data_dir", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "sqlite"})
		if err == nil {
			t.Error("NewDatabaseFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewDatabaseFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		got, err := NewDatabaseFromConfig(config.DatabaseConfig{Type: "unknown"})
		if err == nil {
			t.Error("NewDatabaseFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewDatabaseFromConfig() should return nil on error")
			got.Close()
		}
	})
}
