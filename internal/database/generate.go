package database

// To regenerate schema.sql after adding a migration:
//   go generate ./internal/database

//go:generate sh -c "cd ../.. && go run ./internal/database/tools"
