// Package state provides the SQLite-backed history of sessions, tasks and
// workflow executions. The engine writes through it as a Recorder; the CLI
// reads it back for status reports.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	// DriverPure is modernc.org/sqlite, which needs no cgo.
	DriverPure = "sqlite"
	// DriverCgo is mattn/go-sqlite3. It only works in cgo builds.
	DriverCgo = "sqlite3"
)

// DB wraps an SQLite database connection with history operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	pid    int
	mu     sync.RWMutex
}

// DefaultPath returns the history database location under XDG_DATA_HOME.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "orchestrator", "history.db")
}

// Open opens the database at path with the pure Go driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(DriverPure, path)
}

// OpenWithDriver opens an SQLite database at path using the named driver.
// Parent directories are created and WAL mode is enabled for concurrent reads.
func OpenWithDriver(driver, path string) (*DB, error) {
	switch driver {
	case DriverPure, DriverCgo:
	case "":
		driver = DriverPure
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		driver: driver,
		pid:    os.Getpid(),
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2Tasks},
		{3, migrationV3Executions},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	max_parallel INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	owner_pid INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	closed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	name TEXT NOT NULL,
	module TEXT NOT NULL,
	action TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT,
	error TEXT,
	output TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const migrationV3Executions = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	session_id TEXT,
	status TEXT NOT NULL,
	parameters TEXT,
	steps TEXT NOT NULL,
	errors TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_name);
CREATE INDEX IF NOT EXISTS idx_executions_session ON workflow_executions(session_id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs fn within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Timestamps keep nanoseconds so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Purge deletes sessions, tasks and executions older than olderThan.
// Returns the number of rows deleted across all tables.
func (db *DB) Purge(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	var total int64
	err := db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM tasks WHERE created_at < ?",
			"DELETE FROM workflow_executions WHERE started_at < ?",
			"DELETE FROM sessions WHERE created_at < ? AND status != 'active'",
		} {
			res, err := tx.Exec(q, cutoff)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}
