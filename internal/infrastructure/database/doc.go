// Package database provides SQLite connectivity for the mesh hub.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded into the binary (package migrations)
//
// The hub stores two things: one versioned configuration record per
// driver instance (config_blobs, see netconfig.SQLiteRepository) and the
// ids of issued editor tokens (editor_tokens, see auth.TokenRepository).
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: each file pair has an .up.sql and a .down.sql.
package database
