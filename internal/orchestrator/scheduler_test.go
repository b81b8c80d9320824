package orchestrator

import (
	"testing"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

func TestScheduler_RoundOrder(t *testing.T) {
	s := newScheduler()
	base := time.Now()
	tasks := []*models.Task{
		{ID: "low", Priority: models.PriorityLow, CreatedAt: base},
		{ID: "high-late", Priority: models.PriorityHigh, CreatedAt: base.Add(time.Second)},
		{ID: "high-early", Priority: models.PriorityHigh, CreatedAt: base},
		{ID: "critical", Priority: models.PriorityCritical, CreatedAt: base.Add(2 * time.Second)},
		{ID: "high-same-time", Priority: models.PriorityHigh, CreatedAt: base},
	}
	for _, tk := range tasks {
		tk.Status = models.TaskStatusPending
		s.push(tk)
	}

	var order []string
	s.round(func(tk *models.Task) (bool, bool) {
		order = append(order, tk.ID)
		return false, false
	})
	want := []string{"critical", "high-early", "high-same-time", "high-late", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("round order = %v, want %v", order, want)
		}
	}
	if s.len() != len(tasks) {
		t.Errorf("untaken tasks should be put back, len = %d", s.len())
	}
}

func TestScheduler_RoundStopAndTake(t *testing.T) {
	s := newScheduler()
	for i, id := range []string{"a", "b", "c"} {
		s.push(&models.Task{ID: id, Status: models.TaskStatusPending, Priority: models.Priority(3 - i)})
	}
	var visited []string
	s.round(func(tk *models.Task) (bool, bool) {
		visited = append(visited, tk.ID)
		return tk.ID == "a", tk.ID == "b"
	})
	if len(visited) != 2 {
		t.Errorf("stop should end the round early, visited %v", visited)
	}
	if s.len() != 2 {
		t.Errorf("taken task should leave the queue, len = %d", s.len())
	}

	s.remove("c")
	if s.len() != 1 {
		t.Errorf("remove left len = %d", s.len())
	}
}

func TestScheduler_DropsNonPending(t *testing.T) {
	s := newScheduler()
	s.push(&models.Task{ID: "gone", Status: models.TaskStatusCancelled})
	called := false
	s.round(func(*models.Task) (bool, bool) { called = true; return false, false })
	if called || s.len() != 0 {
		t.Errorf("cancelled task should be dropped silently, called=%v len=%d", called, s.len())
	}
}
