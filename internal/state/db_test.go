package state

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new migrated database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverPure {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverPure)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenWithDriver_Unknown(t *testing.T) {
	if _, err := OpenWithDriver("postgres", tempDBPath(t)); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := db.Query("SELECT 1"); err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"schema_version", "sessions", "tasks", "workflow_executions"} {
		var count int
		row := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Errorf("schema version = %d, want 3", v)
	}

	var rows int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows)
	if rows != 3 {
		t.Errorf("schema_version has %d rows, want 3", rows)
	}
}

func TestTransaction_RollsBack(t *testing.T) {
	db := setupTestDB(t)
	boom := errors.New("boom")

	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO sessions (id, user_id, mode, status, created_at) VALUES ('s', 'u', 'parallel', 'active', 'x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want boom", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
	if n != 0 {
		t.Errorf("rolled back insert left %d rows", n)
	}
}

func TestFormatTime_SortsAsText(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := formatTime(base.Add(900 * time.Millisecond))
	b := formatTime(base.Add(time.Second))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}

	parsed, err := parseTime(a)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(base.Add(900 * time.Millisecond)) {
		t.Errorf("round trip = %v", parsed)
	}
	if parseNullableTime(sql.NullString{}) != nil {
		t.Error("null time should parse to nil")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultPath(); got != "/data/orchestrator/history.db" {
		t.Errorf("DefaultPath = %q", got)
	}
}
