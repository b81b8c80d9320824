package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// TaskRecord is the persisted summary of a terminal task.
type TaskRecord struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id,omitempty"`
	Name        string            `json:"name"`
	Module      string            `json:"module"`
	Action      string            `json:"action"`
	Priority    models.Priority   `json:"priority"`
	Status      models.TaskStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	ErrorKind   models.ErrorKind  `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Duration    time.Duration     `json:"duration"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Target returns the "module.action" reference of the task.
func (r TaskRecord) Target() string {
	return r.Module + "." + r.Action
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	UserID string
	Status models.SessionStatus
	Limit  int
}

// RecordSession inserts or updates a session row.
func (db *DB) RecordSession(s models.Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, user_id, mode, max_parallel, status, timeout_ms, owner_pid, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			max_parallel = excluded.max_parallel,
			closed_at = excluded.closed_at
	`, s.ID, s.UserID, string(s.Mode), s.MaxParallel, string(s.Status), s.Timeout.Milliseconds(),
		db.pid, formatTime(s.CreatedAt), formatNullableTime(s.ClosedAt))
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, mode, max_parallel, status, timeout_ms, created_at, closed_at`

func scanSession(sc interface{ Scan(...any) error }) (models.Session, error) {
	var (
		s         models.Session
		timeoutMs int64
		createdAt string
		closedAt  sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.UserID, &s.Mode, &s.MaxParallel, &s.Status, &timeoutMs, &createdAt, &closedAt); err != nil {
		return s, err
	}
	s.Timeout = time.Duration(timeoutMs) * time.Millisecond
	s.CreatedAt, _ = parseTime(createdAt)
	s.ClosedAt = parseNullableTime(closedAt)
	return s, nil
}

// GetSession retrieves a session by ID. Returns nil if it was never recorded.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// ListSessions returns sessions newest first.
func (db *DB) ListSessions(f SessionFilter) ([]models.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordTask inserts or updates the row for t.
func (db *DB) RecordTask(t *models.Task) error {
	if t == nil {
		return nil
	}
	var (
		attempts int
		kind     string
		msg      string
		output   sql.NullString
		durMs    int64
	)
	if r := t.Result; r != nil {
		attempts = r.Attempts
		kind = string(r.ErrorKind)
		msg = r.Error
		durMs = r.Duration.Milliseconds()
		if r.Output != nil {
			b, err := json.Marshal(r.Output)
			if err != nil {
				// Outputs that cannot be encoded are kept as their string form.
				b, _ = json.Marshal(fmt.Sprint(r.Output))
			}
			output = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, session_id, name, module, action, priority, status, attempts,
			error_kind, error, output, duration_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			error_kind = excluded.error_kind,
			error = excluded.error,
			output = excluded.output,
			duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at
	`, t.ID, t.SessionID, t.Name, t.Module, t.Action, int(t.Priority), string(t.Status), attempts,
		kind, msg, output, durMs, formatTime(t.CreatedAt), formatNullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

const taskColumns = `id, session_id, name, module, action, priority, status, attempts,
	error_kind, error, output, duration_ms, created_at, completed_at`

func scanTask(sc interface{ Scan(...any) error }) (TaskRecord, error) {
	var (
		r           TaskRecord
		sessionID   sql.NullString
		kind, msg   sql.NullString
		output      sql.NullString
		durMs       int64
		createdAt   string
		completedAt sql.NullString
	)
	err := sc.Scan(&r.ID, &sessionID, &r.Name, &r.Module, &r.Action, &r.Priority, &r.Status, &r.Attempts,
		&kind, &msg, &output, &durMs, &createdAt, &completedAt)
	if err != nil {
		return r, err
	}
	r.SessionID = sessionID.String
	r.ErrorKind = models.ErrorKind(kind.String)
	r.Error = msg.String
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	r.Duration = time.Duration(durMs) * time.Millisecond
	r.CreatedAt, _ = parseTime(createdAt)
	r.CompletedAt = parseNullableTime(completedAt)
	return r, nil
}

// GetTask retrieves a task record by ID. Returns nil if it was never recorded.
func (db *DB) GetTask(id string) (*TaskRecord, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	r, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &r, nil
}

// ListTasks returns task records oldest first. An empty sessionID lists all.
func (db *DB) ListTasks(sessionID string, limit int) ([]TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordExecution inserts or updates a workflow execution. Step results and
// errors are stored as JSON documents.
func (db *DB) RecordExecution(x *models.WorkflowExecution) error {
	if x == nil {
		return nil
	}
	params, err := marshalNullable(x.Parameters, len(x.Parameters) > 0)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	steps, err := json.Marshal(x.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	errs, err := marshalNullable(x.Errors, len(x.Errors) > 0)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO workflow_executions (id, workflow_name, session_id, status, parameters, steps, errors, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			steps = excluded.steps,
			errors = excluded.errors,
			ended_at = excluded.ended_at
	`, x.ID, x.WorkflowName, x.SessionID, string(x.Status), params, string(steps), errs,
		formatTime(x.StartedAt), formatNullableTime(x.EndedAt))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const executionColumns = `id, workflow_name, session_id, status, parameters, steps, errors, started_at, ended_at`

func scanExecution(sc interface{ Scan(...any) error }) (*models.WorkflowExecution, error) {
	var (
		x         models.WorkflowExecution
		sessionID sql.NullString
		params    sql.NullString
		steps     string
		errs      sql.NullString
		startedAt string
		endedAt   sql.NullString
	)
	if err := sc.Scan(&x.ID, &x.WorkflowName, &sessionID, &x.Status, &params, &steps, &errs, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	x.SessionID = sessionID.String
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &x.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(steps), &x.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if errs.Valid {
		if err := json.Unmarshal([]byte(errs.String), &x.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	x.Results = make(map[string]any, len(x.Steps))
	for name, sr := range x.Steps {
		if sr != nil && sr.Status == models.StepCompleted {
			x.Results[name] = sr.Output
		}
	}
	x.StartedAt, _ = parseTime(startedAt)
	x.EndedAt = parseNullableTime(endedAt)
	return &x, nil
}

// GetExecution retrieves a workflow execution by ID. Returns nil if it was never recorded.
func (db *DB) GetExecution(id string) (*models.WorkflowExecution, error) {
	row := db.QueryRow(`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	x, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return x, nil
}

// ListExecutions returns executions newest first, optionally for one workflow.
func (db *DB) ListExecutions(workflowName string, limit int) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var args []any
	if workflowName != "" {
		query += " WHERE workflow_name = ?"
		args = append(args, workflowName)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Counts is a per-status tally of the history tables.
type Counts struct {
	Sessions   map[models.SessionStatus]int   `json:"sessions"`
	Tasks      map[models.TaskStatus]int      `json:"tasks"`
	Executions map[models.ExecutionStatus]int `json:"executions"`
}

// Summary tallies rows by status.
func (db *DB) Summary() (Counts, error) {
	c := Counts{
		Sessions:   make(map[models.SessionStatus]int),
		Tasks:      make(map[models.TaskStatus]int),
		Executions: make(map[models.ExecutionStatus]int),
	}
	tally := func(table string, add func(status string, n int)) error {
		rows, err := db.Query(`SELECT status, COUNT(*) FROM ` + table + ` GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			add(status, n)
		}
		return rows.Err()
	}

	if err := tally("sessions", func(s string, n int) { c.Sessions[models.SessionStatus(s)] = n }); err != nil {
		return c, err
	}
	if err := tally("tasks", func(s string, n int) { c.Tasks[models.TaskStatus(s)] = n }); err != nil {
		return c, err
	}
	if err := tally("workflow_executions", func(s string, n int) { c.Executions[models.ExecutionStatus(s)] = n }); err != nil {
		return c, err
	}
	return c, nil
}
