package acl

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// OpenTestDB returns a migrated in-memory SQLite database with foreign keys
// enabled. A single connection keeps every query on the same memory database.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	if err := RunMigrations(context.Background(), db, DialectSQLite, logger); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}
