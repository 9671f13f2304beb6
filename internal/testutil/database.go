package testutil

import (
	"testing"

	"extpack/internal/database"
	"extpack/internal/pack"
)

// NewTestDatabase creates a new in-memory SQLite history database with all
// migrations applied. The database is closed when the test completes.
func NewTestDatabase(t *testing.T) pack.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
