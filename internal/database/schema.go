package database

import (
	"database/sql"
	"fmt"
	"strings"
)

const schemaHeader = `-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/files/*.sql

`

// DumpSchema returns the CREATE statements of a migrated database, tables
// first, excluding SQLite internals and the migration tracking table.
func DumpSchema(db *sql.DB) (string, error) {
	rows, err := db.Query(`
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`)
	if err != nil {
		return "", fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString(schemaHeader)
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating schema: %w", err)
	}
	return b.String(), nil
}

// Schema returns the current schema of the database.
func (s *SQLiteDatabase) Schema() (string, error) {
	return DumpSchema(s.db)
}
