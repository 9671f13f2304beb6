package database

import (
	"fmt"
	"os"
	"path/filepath"

	"extpack/internal/config"
	"extpack/internal/pack"
)

// dbFileName is the history database file inside data_dir.
const dbFileName = "history.db"

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
// Type "none" (or empty) returns a nil Database: run history is not recorded.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (pack.Database, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		db, err := NewSQLiteDatabase(filepath.Join(cfg.DataDir, dbFileName))
		if err != nil {
			return nil, err
		}
		return db, nil
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
