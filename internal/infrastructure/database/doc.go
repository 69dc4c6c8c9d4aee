// Package database provides SQLite database connectivity for statesync.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations from an embedded filesystem
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or carry
// DEFAULT values, and columns are never dropped or renamed.
package database
