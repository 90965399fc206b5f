package sqlite_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

// TestNewDB_Pragmas verifies the connection-time PRAGMAs on a file database.
func TestNewDB_Pragmas(t *testing.T) {
	t.Parallel()

	db := mustOpenFileDB(t)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q; want wal", mode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys error = %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d; want 1", fk)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout error = %v", err)
	}
	if timeout <= 0 {
		t.Errorf("busy_timeout = %d; want > 0", timeout)
	}
}

// TestNewDB_InMemorySingleConnection verifies :memory: databases are pinned to one
// connection so every query sees the same schema.
func TestNewDB_InMemorySingleConnection(t *testing.T) {
	t.Parallel()

	db, err := sqlite.NewDB(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("NewDB(:memory:) error = %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d; want 1", got)
	}

	if _, err := db.Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("table not visible on second query: %v", err)
	}
}

func TestNewDB_FileCreated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "new_db.sqlite")
	db, err := sqlite.NewDB(path)
	if err != nil {
		t.Fatalf("NewDB(%q) error = %v", path, err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("expected DB file %q to be created", path)
	}
	if db.Stats().MaxOpenConnections == 0 {
		t.Error("MaxOpenConnections = 0; want a configured limit")
	}
}

// TestNewDB_InvalidDirectory verifies NewDB does not silently create parent directories.
func TestNewDB_InvalidDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nonexistent_dir", "db.sqlite")
	db, err := sqlite.NewDB(path)
	if err == nil {
		db.Close()
		t.Errorf("NewDB(%q) = nil error; want error for missing parent dir", path)
	}
}

// --- helpers ---

func mustOpenFileDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.NewDB error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustOpenMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.NewDB(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("sqlite.NewDB error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
