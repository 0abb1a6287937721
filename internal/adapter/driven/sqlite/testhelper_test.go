package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// setupTestDB creates a migrated SQLite database in a per-test temp dir.
// A real file keeps WAL semantics, so the change feed's reader can poll while
// the writer commits, as it does between agent processes.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(context.Background(), filepath.Join(t.TempDir(), "nestfind.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if _, err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}
