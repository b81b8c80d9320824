package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

func TestRecordSession_Upsert(t *testing.T) {
	db := setupTestDB(t)
	created := time.Now().Add(-time.Minute)

	s := models.Session{
		ID:          "sess-1",
		UserID:      "alice",
		Mode:        models.ModeParallel,
		MaxParallel: 3,
		Status:      models.SessionActive,
		Timeout:     30 * time.Second,
		CreatedAt:   created,
	}
	if err := db.RecordSession(s); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	closed := time.Now()
	s.Status = models.SessionCompleted
	s.ClosedAt = &closed
	if err := db.RecordSession(s); err != nil {
		t.Fatalf("RecordSession update: %v", err)
	}

	got, err := db.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.Status != models.SessionCompleted || got.ClosedAt == nil {
		t.Errorf("session = %+v, want completed with closed_at", got)
	}
	if got.Mode != models.ModeParallel || got.MaxParallel != 3 || got.Timeout != 30*time.Second {
		t.Errorf("session fields = %+v", got)
	}
	if !got.CreatedAt.Equal(created.UTC()) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	missing, err := db.GetSession("nope")
	if err != nil || missing != nil {
		t.Errorf("GetSession(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestListSessions_Filter(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now()

	for i, tc := range []struct {
		id, user string
		status   models.SessionStatus
	}{
		{"a", "alice", models.SessionCompleted},
		{"b", "bob", models.SessionActive},
		{"c", "alice", models.SessionActive},
	} {
		db.RecordSession(models.Session{
			ID: tc.id, UserID: tc.user, Mode: models.ModeSequential,
			Status: tc.status, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	all, err := db.ListSessions(SessionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("ListSessions = %v, want 3 newest first", all)
	}

	alice, _ := db.ListSessions(SessionFilter{UserID: "alice", Status: models.SessionActive})
	if len(alice) != 1 || alice[0].ID != "c" {
		t.Errorf("filtered = %v, want [c]", alice)
	}

	limited, _ := db.ListSessions(SessionFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d", len(limited))
	}
}

func TestRecordTask(t *testing.T) {
	db := setupTestDB(t)
	done := time.Now()

	task := &models.Task{
		ID:        "t1",
		Name:      "greet",
		Module:    "core",
		Action:    "echo",
		Priority:  models.PriorityHigh,
		SessionID: "sess-1",
		Status:    models.TaskStatusRunning,
		CreatedAt: done.Add(-time.Second),
	}
	if err := db.RecordTask(task); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}

	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &done
	task.Result = &models.TaskResult{
		Success:  true,
		Output:   map[string]any{"message": "hi"},
		Duration: 1500 * time.Millisecond,
		Attempts: 2,
	}
	if err := db.RecordTask(task); err != nil {
		t.Fatalf("RecordTask update: %v", err)
	}

	got, err := db.GetTask("t1")
	if err != nil || got == nil {
		t.Fatalf("GetTask = %v, %v", got, err)
	}
	if got.Status != models.TaskStatusCompleted || got.Attempts != 2 || got.Duration != 1500*time.Millisecond {
		t.Errorf("task = %+v", got)
	}
	if got.Priority != models.PriorityHigh || got.Target() != "core.echo" {
		t.Errorf("task = %+v", got)
	}
	var out map[string]any
	if err := json.Unmarshal(got.Output, &out); err != nil || out["message"] != "hi" {
		t.Errorf("output = %s (%v)", got.Output, err)
	}

	failed := &models.Task{
		ID: "t2", Name: "bad", Module: "core", Action: "fail", SessionID: "sess-2",
		Status: models.TaskStatusFailed, CreatedAt: done,
		Result: &models.TaskResult{ErrorKind: models.KindExecution, Error: "boom", Attempts: 1},
	}
	db.RecordTask(failed)

	list, err := db.ListTasks("sess-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ErrorKind != models.KindExecution || list[0].Error != "boom" {
		t.Errorf("ListTasks(sess-2) = %+v", list)
	}
	if all, _ := db.ListTasks("", 0); len(all) != 2 {
		t.Errorf("ListTasks() = %d records, want 2", len(all))
	}
}

func TestRecordExecution(t *testing.T) {
	db := setupTestDB(t)
	start := time.Now().Add(-time.Second)
	end := time.Now()

	x := &models.WorkflowExecution{
		ID:           "exec-1",
		WorkflowName: "pipeline",
		SessionID:    "sess-1",
		Parameters:   map[string]any{"target": "prod"},
		Steps: map[string]*models.StepResult{
			"a": {Status: models.StepCompleted, Output: "ok", Attempts: 1},
			"b": {Status: models.StepFailed, ErrorKind: models.KindExecution, Error: "boom"},
			"c": {Status: models.StepSkipped, ErrorKind: models.KindDependencyUnsatisfiable},
		},
		Errors: []models.StepError{
			{Step: "b", Kind: models.KindExecution, Message: "boom"},
		},
		Status:    models.ExecutionFailed,
		StartedAt: start,
		EndedAt:   &end,
	}
	if err := db.RecordExecution(x); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, err := db.GetExecution("exec-1")
	if err != nil || got == nil {
		t.Fatalf("GetExecution = %v, %v", got, err)
	}
	if got.Status != models.ExecutionFailed || got.EndedAt == nil {
		t.Errorf("execution = %+v", got)
	}
	if len(got.Steps) != 3 || got.Steps["c"].Status != models.StepSkipped {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Results["a"] != "ok" {
		t.Errorf("results = %v, want a=ok", got.Results)
	}
	if _, ok := got.Results["b"]; ok {
		t.Error("failed step should not appear in results")
	}
	if len(got.Errors) != 1 || got.Errors[0].Step != "b" {
		t.Errorf("errors = %+v", got.Errors)
	}
	if got.Parameters["target"] != "prod" {
		t.Errorf("parameters = %v", got.Parameters)
	}

	db.RecordExecution(&models.WorkflowExecution{
		ID: "exec-2", WorkflowName: "other", Status: models.ExecutionCompleted,
		Steps: map[string]*models.StepResult{}, StartedAt: end,
	})
	list, err := db.ListExecutions("pipeline", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "exec-1" {
		t.Errorf("ListExecutions(pipeline) = %v", list)
	}
}

func TestSummary(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	db.RecordSession(models.Session{ID: "a", UserID: "u", Mode: models.ModeParallel, Status: models.SessionActive, CreatedAt: now})
	db.RecordSession(models.Session{ID: "b", UserID: "u", Mode: models.ModeParallel, Status: models.SessionCompleted, CreatedAt: now})
	db.RecordTask(&models.Task{ID: "t", Name: "t", Module: "core", Action: "echo", Status: models.TaskStatusCompleted, CreatedAt: now})

	c, err := db.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if c.Sessions[models.SessionActive] != 1 || c.Sessions[models.SessionCompleted] != 1 {
		t.Errorf("sessions = %v", c.Sessions)
	}
	if c.Tasks[models.TaskStatusCompleted] != 1 {
		t.Errorf("tasks = %v", c.Tasks)
	}
}

func TestPurge(t *testing.T) {
	db := setupTestDB(t)
	old := time.Now().Add(-48 * time.Hour)
	now := time.Now()

	db.RecordSession(models.Session{ID: "old", UserID: "u", Mode: models.ModeParallel, Status: models.SessionCompleted, CreatedAt: old})
	db.RecordSession(models.Session{ID: "old-active", UserID: "u", Mode: models.ModeParallel, Status: models.SessionActive, CreatedAt: old})
	db.RecordSession(models.Session{ID: "new", UserID: "u", Mode: models.ModeParallel, Status: models.SessionCompleted, CreatedAt: now})
	db.RecordTask(&models.Task{ID: "t", Name: "t", Module: "core", Action: "echo", Status: models.TaskStatusCompleted, CreatedAt: old})

	n, err := db.Purge(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}
	if s, _ := db.GetSession("old-active"); s == nil {
		t.Error("active session should survive purge")
	}
	if s, _ := db.GetSession("old"); s != nil {
		t.Error("old closed session should be purged")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	db.RecordSession(models.Session{ID: "mine", UserID: "u", Mode: models.ModeParallel, Status: models.SessionActive, CreatedAt: now})
	db.RecordSession(models.Session{ID: "orphan", UserID: "u", Mode: models.ModeParallel, Status: models.SessionActive, CreatedAt: now})
	db.RecordSession(models.Session{ID: "live", UserID: "u", Mode: models.ModeParallel, Status: models.SessionActive, CreatedAt: now})
	db.Exec(`UPDATE sessions SET owner_pid = 999999 WHERE id = 'orphan'`)
	db.Exec(`UPDATE sessions SET owner_pid = 4242 WHERE id = 'live'`)
	db.RecordExecution(&models.WorkflowExecution{
		ID: "x", WorkflowName: "wf", SessionID: "orphan", Status: models.ExecutionRunning,
		Steps: map[string]*models.StepResult{}, StartedAt: now,
	})

	orig := pidAlive
	pidAlive = func(pid int) bool { return pid == 4242 }
	t.Cleanup(func() { pidAlive = orig })

	found, err := db.RecoverInterrupted()
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].SessionID != "orphan" || found[0].OwnerPID != 999999 {
		t.Fatalf("recovered = %+v, want [orphan]", found)
	}

	if s, _ := db.GetSession("orphan"); s.Status != models.SessionFailed || s.ClosedAt == nil {
		t.Errorf("orphan = %+v, want failed", s)
	}
	if s, _ := db.GetSession("mine"); s.Status != models.SessionActive {
		t.Errorf("own session changed to %s", s.Status)
	}
	if x, _ := db.GetExecution("x"); x.Status != models.ExecutionAborted {
		t.Errorf("execution status = %s, want aborted", x.Status)
	}

	again, _ := db.RecoverInterrupted()
	if len(again) != 0 {
		t.Errorf("second recovery found %d sessions", len(again))
	}
}
