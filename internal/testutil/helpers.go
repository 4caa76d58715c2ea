package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// SetupTestDB opens a fresh SQLite store in a per-test temp directory
// and applies all migrations. The store is removed with the test's temp
// dir; the connection is closed via t.Cleanup.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrator := persistence.NewMigrator(db, MigrationsDir(t), observability.NewLogger("test"))
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// MigrationsDir locates the repository's migrations directory from any
// test package.
func MigrationsDir(t *testing.T) string {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("locate migrations: runtime caller unavailable")
	}
	dir := filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("locate migrations: %v", err)
	}
	return dir
}

// GoldenFile reads a golden file from testdata/ and returns its contents.
func GoldenFile(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read golden file %s: %v", path, err)
	}
	return data
}

// UpdateGoldenFile writes data to a golden file.
// Only used when UPDATE_GOLDEN=1 is set.
func UpdateGoldenFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if os.Getenv("UPDATE_GOLDEN") != "1" {
		return
	}
	path := filepath.Join("testdata", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create testdata dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write golden file %s: %v", path, err)
	}
	t.Logf("updated golden file: %s", path)
}

// AssertGolden compares data against a golden file.
// If UPDATE_GOLDEN=1, updates the golden file instead.
func AssertGolden(t *testing.T, name string, got []byte) {
	t.Helper()

	if os.Getenv("UPDATE_GOLDEN") == "1" {
		UpdateGoldenFile(t, name, got)
		return
	}

	want := GoldenFile(t, name)
	if string(got) != string(want) {
		t.Errorf("golden file mismatch for %s:\n--- want ---\n%s\n--- got ---\n%s",
			name, string(want), string(got))
	}
}
