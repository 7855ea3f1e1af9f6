package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-mesh/migrations" // registers the embedded schema
)

const testSecret = "test-secret-key-for-jwt-signing-32chars"

// testDB creates a temporary SQLite database with the embedded migrations
// applied. The database is closed when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:    filepath.Join(t.TempDir(), "auth.db"),
		WALMode: true,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}
