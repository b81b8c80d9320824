package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/docxology/codomyrmex-sub001/internal/engine"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

func testWorkflow() models.Workflow {
	return models.Workflow{
		Name: "deploy",
		Steps: []models.WorkflowStep{
			{Name: "build", Module: "core", Action: "echo"},
			{Name: "test", Module: "core", Action: "echo", DependsOn: []string{"build"}},
			{Name: "ship", Module: "core", Action: "echo", DependsOn: []string{"test"}},
		},
	}
}

func stepEvent(workflow, step string, status models.StepStatus, attempts int, errMsg string) EventMsg {
	return EventMsg{Event: engine.Event{
		Name: engine.EventStepUpdated,
		Time: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"workflowName": workflow,
			"step":         step,
			"status":       string(status),
			"attempts":     attempts,
			"error":        errMsg,
		},
	}}
}

func TestWatch_StepUpdates(t *testing.T) {
	w := NewWatch(testWorkflow())
	if w.Fraction() != 0 {
		t.Fatalf("initial fraction = %v", w.Fraction())
	}

	w.Update(stepEvent("deploy", "build", models.StepCompleted, 1, ""))
	w.Update(stepEvent("deploy", "test", models.StepFailed, 3, "exit status 1"))
	w.Update(stepEvent("deploy", "ship", models.StepSkipped, 0, ""))

	if got := w.Fraction(); got != 1 {
		t.Errorf("fraction = %v, want 1", got)
	}
	view := w.View()
	for _, want := range []string{"Workflow deploy", "build", "failed", "(3 attempts)", "exit status 1", "skipped"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatch_IgnoresOtherWorkflows(t *testing.T) {
	w := NewWatch(testWorkflow())
	w.Update(stepEvent("other", "build", models.StepCompleted, 1, ""))
	w.Update(stepEvent("deploy", "unknown", models.StepCompleted, 1, ""))

	if w.Fraction() != 0 {
		t.Errorf("fraction = %v, want 0", w.Fraction())
	}
	if len(w.logs) != 0 {
		t.Errorf("logs = %v, want none", w.logs)
	}
}

func TestWatch_LogIsBounded(t *testing.T) {
	w := NewWatch(testWorkflow())
	for i := 0; i < maxLogLines+5; i++ {
		w.Update(stepEvent("deploy", "build", models.StepRunning, 1, ""))
	}
	if len(w.logs) != maxLogLines {
		t.Errorf("logs = %d lines, want %d", len(w.logs), maxLogLines)
	}
}

func TestWatch_Done(t *testing.T) {
	w := NewWatch(testWorkflow())
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)
	exec := &models.WorkflowExecution{
		WorkflowName: "deploy",
		Status:       models.ExecutionCompleted,
		StartedAt:    start,
		EndedAt:      &end,
		Steps: map[string]*models.StepResult{
			"build": {Status: models.StepCompleted, Attempts: 1},
			"test":  {Status: models.StepCompleted, Attempts: 2},
			"ship":  {Status: models.StepCompleted, Attempts: 1},
		},
	}

	_, cmd := w.Update(DoneMsg{Execution: exec})
	if cmd == nil {
		t.Fatal("DoneMsg should quit the program")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.Quit")
	}
	if w.Aborted() {
		t.Error("finished run reported as aborted")
	}
	if w.Fraction() != 1 {
		t.Errorf("fraction = %v", w.Fraction())
	}
	if view := w.View(); !strings.Contains(view, "completed in 1.5s") {
		t.Errorf("footer missing summary:\n%s", view)
	}
}

func TestWatch_DoneWithError(t *testing.T) {
	w := NewWatch(testWorkflow())
	w.Update(DoneMsg{Err: errors.New("session closed")})
	if view := w.View(); !strings.Contains(view, "error: session closed") {
		t.Errorf("view = %s", view)
	}
}

func TestWatch_QuitAborts(t *testing.T) {
	w := NewWatch(testWorkflow())
	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil || !w.Aborted() {
		t.Error("q should quit and mark aborted")
	}
}

func TestWatch_ListenReadsSource(t *testing.T) {
	ch := make(chan engine.Event, 1)
	w := NewWatch(testWorkflow())
	w.SetSource(ch)

	ch <- engine.Event{Name: engine.EventWorkflowStarted, Payload: map[string]any{"workflowName": "deploy"}}
	msg := w.listen()()
	if ev, ok := msg.(EventMsg); !ok || ev.Event.Name != engine.EventWorkflowStarted {
		t.Fatalf("listen = %#v", msg)
	}

	close(ch)
	if _, ok := w.listen()().(sourceClosedMsg); !ok {
		t.Error("closed source should yield sourceClosedMsg")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 6); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
