package model

import (
	"database/sql"
	"time"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// PackageRun is one invocation of the packager.
type PackageRun struct {
	ID          string         // UUID
	Source      string         // Absolute source directory
	Output      string         // Absolute archive path
	Status      string         // running, success or error
	Entries     int            // Number of archive entries written
	Size        int64          // Archive size in bytes
	PublishedAs sql.NullString // Vault archive name, if published
	StartedAt   time.Time
	FinishedAt  sql.NullTime
}

// Finished reports whether the run reached a terminal status.
func (r *PackageRun) Finished() bool {
	return r.Status != StatusRunning
}
