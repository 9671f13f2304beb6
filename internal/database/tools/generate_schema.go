package main

import (
	"fmt"
	"os"
	"path/filepath"

	"extpack/internal/database"
)

func main() {
	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	schema, err := db.Schema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to extract schema: %v\n", err)
		os.Exit(1)
	}

	// Relative to the module root.
	outPath := filepath.Join("internal", "database", "schema.sql")
	if err := os.WriteFile(outPath, []byte(schema), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s from migrations\n", outPath)
}
