// Package dbtest provides a minimal test helper for standing up a
// temp-file-backed SQLite database with its schema applied (temp files
// rather than :memory: so the pure-Go driver's WAL mode and busy_timeout
// PRAGMAs behave the same way they do in production).
package dbtest

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/marketstream/internal/database"
)

// New creates a temp-file SQLite database named name (must match a key in
// database.Migrate's schema map) with its schema applied, and registers
// cleanup to close and remove the file when the test ends.
func New(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()

	f, err := os.CreateTemp("", fmt.Sprintf("marketstream_test_%s_*.db", name))
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	path := f.Name()
	_ = f.Close()

	db, err := database.New(database.Config{Path: path, Profile: profile, Name: name})
	if err != nil {
		_ = os.Remove(path)
		t.Fatalf("open test database %s: %v", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		t.Fatalf("migrate test database %s: %v", name, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
	})

	return db
}
