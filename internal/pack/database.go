package pack

import (
	"time"

	"extpack/internal/model"
)

// Database records packaging runs.
type Database interface {
	// CreatePackageRun inserts a new run record. run.ID must be set.
	CreatePackageRun(run *model.PackageRun) error

	// FinishPackageRun sets the terminal status, entry count, archive size
	// and finish time of a run.
	FinishPackageRun(id string, status string, entries int, size int64, finishedAt time.Time) error

	// SetPublished records the vault archive name a run was published as.
	SetPublished(id string, name string) error

	// ListPackageRuns returns at most limit runs, newest first.
	ListPackageRuns(limit int) ([]*model.PackageRun, error)

	// CheckMigrations returns an error if the schema is not at the latest version.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}
