package engine

import (
	"container/heap"
	"context"
	"sync"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// admission limits how many tasks and workflows a session has outstanding.
// Waiters are admitted by priority, then arrival.
type admission struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	seq     uint64
	waiting waiterQueue
}

type waiter struct {
	priority models.Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func newAdmission(limit int) *admission {
	if limit < 1 {
		limit = 1
	}
	return &admission{limit: limit}
}

// acquire blocks until a slot is free or ctx is done.
func (a *admission) acquire(ctx context.Context, p models.Priority) error {
	a.mu.Lock()
	if a.inUse < a.limit && len(a.waiting) == 0 {
		a.inUse++
		a.mu.Unlock()
		return nil
	}
	a.seq++
	w := &waiter{priority: p, seq: a.seq, ready: make(chan struct{})}
	heap.Push(&a.waiting, w)
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()
		select {
		case <-w.ready:
			// Admitted while giving up; hand the slot on.
			a.releaseLocked()
		default:
			heap.Remove(&a.waiting, w.index)
		}
		return ctx.Err()
	}
}

func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *admission) releaseLocked() {
	if len(a.waiting) > 0 {
		w := heap.Pop(&a.waiting).(*waiter)
		close(w.ready)
		return
	}
	if a.inUse > 0 {
		a.inUse--
	}
}

func (a *admission) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
