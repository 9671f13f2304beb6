package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"extpack/internal/database/migrations"
	"extpack/internal/model"
	"extpack/internal/pack"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

var _ pack.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens (creating if needed) the SQLite database at path
// and migrates it to the latest schema.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// This is exported for use in tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty
	// database, and one CLI run never needs more than one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// CheckMigrations returns an error if the schema is not at the latest version.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// CreatePackageRun inserts a new run record.
func (s *SQLiteDatabase) CreatePackageRun(run *model.PackageRun) error {
	if run.ID == "" {
		return fmt.Errorf("package run has no id")
	}
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO package_runs (id, source, output, status, entries, size, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Output, run.Status, run.Entries, run.Size, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting package run: %w", err)
	}
	return nil
}

// FinishPackageRun records the outcome of a run.
func (s *SQLiteDatabase) FinishPackageRun(id string, status string, entries int, size int64, finishedAt time.Time) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE package_runs SET status = ?, entries = ?, size = ?, finished_at = ? WHERE id = ?`,
		status, entries, size, finishedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating package run: %w", err)
	}
	return expectOneRow(res, id)
}

// SetPublished records the vault archive name of a run.
func (s *SQLiteDatabase) SetPublished(id string, name string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE package_runs SET published_as = ? WHERE id = ?`, name, id,
	)
	if err != nil {
		return fmt.Errorf("updating package run: %w", err)
	}
	return expectOneRow(res, id)
}

// ListPackageRuns returns at most limit runs, newest first.
func (s *SQLiteDatabase) ListPackageRuns(limit int) ([]*model.PackageRun, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, source, output, status, entries, size, published_as, started_at, finished_at
		 FROM package_runs
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing package runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.PackageRun
	for rows.Next() {
		var r model.PackageRun
		if err := rows.Scan(&r.ID, &r.Source, &r.Output, &r.Status, &r.Entries, &r.Size,
			&r.PublishedAs, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning package run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating package runs: %w", err)
	}
	return runs, nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("package run not found: %s", id)
	}
	return nil
}
