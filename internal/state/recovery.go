package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// InterruptedSession is a session left active by a process that is gone.
type InterruptedSession struct {
	SessionID string
	UserID    string
	OwnerPID  int
	CreatedAt time.Time
}

// pidAlive is replaced in tests.
var pidAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// FindInterrupted lists active sessions whose owning process no longer exists.
// Sessions owned by the current process are never reported.
func (db *DB) FindInterrupted() ([]InterruptedSession, error) {
	rows, err := db.Query(`
		SELECT id, user_id, owner_pid, created_at FROM sessions
		WHERE status = ? ORDER BY created_at ASC
	`, string(models.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []InterruptedSession
	for rows.Next() {
		var (
			s         InterruptedSession
			createdAt string
		)
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.OwnerPID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.OwnerPID == db.pid || pidAlive(s.OwnerPID) {
			continue
		}
		s.CreatedAt, _ = parseTime(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecoverInterrupted closes every interrupted session as failed and aborts
// the executions it left running. Returns the sessions it closed.
func (db *DB) RecoverInterrupted() ([]InterruptedSession, error) {
	found, err := db.FindInterrupted()
	if err != nil || len(found) == 0 {
		return nil, err
	}

	now := formatTime(time.Now())
	err = db.Transaction(func(tx *sql.Tx) error {
		for _, s := range found {
			if _, err := tx.Exec(`UPDATE sessions SET status = ?, closed_at = ? WHERE id = ?`,
				string(models.SessionFailed), now, s.SessionID); err != nil {
				return fmt.Errorf("close session %s: %w", s.SessionID, err)
			}
			if _, err := tx.Exec(`UPDATE workflow_executions SET status = ?, ended_at = ? WHERE session_id = ? AND status = ?`,
				string(models.ExecutionAborted), now, s.SessionID, string(models.ExecutionRunning)); err != nil {
				return fmt.Errorf("abort executions of %s: %w", s.SessionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
