package orchestrator

import (
	"container/heap"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// queueItem is one pending task in the dispatch heap.
type queueItem struct {
	task *models.Task
	seq  uint64
}

// taskQueue orders pending tasks by priority (high first), then creation
// time, then submission sequence. It implements heap.Interface.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(*queueItem))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// scheduler pops candidates in priority order for one dispatch round and
// puts back the ones that were not dispatched.
type scheduler struct {
	queue taskQueue
	seq   uint64
}

func newScheduler() *scheduler {
	s := &scheduler{}
	heap.Init(&s.queue)
	return s
}

func (s *scheduler) push(t *models.Task) {
	s.seq++
	heap.Push(&s.queue, &queueItem{task: t, seq: s.seq})
}

// round visits pending tasks from highest to lowest rank. visit returns
// whether the task was taken (removed) and whether the round should stop.
// Tasks that are no longer pending are dropped.
func (s *scheduler) round(visit func(t *models.Task) (taken, stop bool)) {
	var keep []*queueItem
	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queueItem)
		if item.task.Status != models.TaskStatusPending {
			continue
		}
		taken, stop := visit(item.task)
		if !taken {
			keep = append(keep, item)
		}
		if stop {
			break
		}
	}
	for _, item := range keep {
		heap.Push(&s.queue, item)
	}
}

// remove drops a task from the queue.
func (s *scheduler) remove(id string) {
	for i, item := range s.queue {
		if item.task.ID == id {
			heap.Remove(&s.queue, i)
			return
		}
	}
}

func (s *scheduler) len() int {
	return s.queue.Len()
}
