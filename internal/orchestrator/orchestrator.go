package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/dispatch"
	"github.com/docxology/codomyrmex-sub001/internal/graph"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/orchestrator/policy"
	"github.com/docxology/codomyrmex-sub001/internal/resource"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// ResourceAllocator is the subset of resource.Manager the orchestrator uses.
type ResourceAllocator interface {
	Allocate(requesterID string, reqs []models.ResourceRequirement, opts ...resource.AllocateOption) (*resource.Allocation, error)
	Release(requesterID, allocationID string) int
}

var _ ResourceAllocator = (*resource.Manager)(nil)

// runningTask tracks one executing task.
type runningTask struct {
	cancel          context.CancelFunc
	cancelRequested bool
}

// Orchestrator is the task queue and dispatcher.
type Orchestrator struct {
	// mu guards every field below it. Completion callbacks re-acquire it.
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     map[string]*models.Task
	done      map[string]chan struct{}
	completed map[string]bool
	running   map[string]*runningTask
	sched     *scheduler
	graph     *graph.DependencyGraph
	counters  counters
	started   bool

	registry   *dispatch.Registry
	resources  ResourceAllocator
	policy     *policy.Config
	pool       *workerPool
	logger     *zap.SugaredLogger
	now        func() time.Time
	onComplete []func(*models.Task)

	// trigger wakes the dispatch loop; buffered so senders never block.
	trigger chan struct{}
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
}

// New creates an orchestrator that dispatches into registry.
func New(registry *dispatch.Registry, opts ...Option) *Orchestrator {
	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	pol := o.policyConfig
	if pol == nil {
		pol = policy.Default()
	} else {
		cp := *pol
		pol = &cp
	}
	if o.workers > 0 {
		pol.Workers.Size = o.workers
	}
	_ = pol.Validate()

	now := o.now
	if now == nil {
		now = time.Now
	}

	orch := &Orchestrator{
		tasks:      make(map[string]*models.Task),
		done:       make(map[string]chan struct{}),
		completed:  make(map[string]bool),
		running:    make(map[string]*runningTask),
		sched:      newScheduler(),
		graph:      graph.New(),
		registry:   registry,
		resources:  o.resources,
		policy:     pol,
		pool:       newWorkerPool(pol.Workers.Size),
		logger:     logging.OrNop(o.logger),
		now:        now,
		onComplete: o.onComplete,
		trigger:    make(chan struct{}, 1),
	}
	orch.cond = sync.NewCond(&orch.mu)
	orch.graph.SetDebugLog(orch.logger.Debugf)
	return orch
}

// OnComplete registers a hook called after every terminal transition. Hooks
// run outside the orchestrator lock and receive a copy of the task.
func (o *Orchestrator) OnComplete(fn func(*models.Task)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.onComplete = append(o.onComplete, fn)
	o.mu.Unlock()
}

// Workers returns the size of the worker pool.
func (o *Orchestrator) Workers() int {
	return o.pool.size
}

// Start launches the dispatch loop. It returns an error if already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.loopWG.Add(1)
	go func() {
		defer o.loopWG.Done()
		o.runLoop(loopCtx)
	}()
	o.logger.Debugw("orchestrator started", "workers", o.pool.size)
	return nil
}

// Stop cancels the dispatch loop and every running task, then waits for
// workers to return. Pending tasks stay queued.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.started = false
	o.mu.Unlock()

	cancel()
	o.loopWG.Wait()
	o.pool.wait()

	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
	o.logger.Debugw("orchestrator stopped")
}

// Submit validates and enqueues a task, returning its id. The caller's task
// is copied; later changes to it have no effect.
func (o *Orchestrator) Submit(task *models.Task) (string, error) {
	const op = "orchestrator.submit"
	if task == nil {
		return "", models.NewError(models.KindValidation, op, "nil task")
	}
	if err := o.validate(task); err != nil {
		return "", err
	}

	t := task.Clone()
	if t.Priority == 0 {
		t.Priority = models.PriorityNormal
	}
	if t.Timeout == 0 {
		t.Timeout = o.policy.Execution.DefaultTimeout
	}
	t.Status = models.TaskStatusPending
	t.RetryCount = 0
	t.Result = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.BlockedBy = ""

	o.mu.Lock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, exists := o.tasks[t.ID]; exists {
		o.mu.Unlock()
		return "", models.NewError(models.KindValidation, op, "task %s already submitted", t.ID)
	}
	if o.completed[t.ID] {
		o.mu.Unlock()
		return "", models.NewError(models.KindValidation, op, "task %s already completed", t.ID)
	}
	err := o.graph.Add(graph.Node{ID: t.ID, DependsOn: t.DependsOn}, func(id string) bool { return o.completed[id] })
	if err != nil {
		o.mu.Unlock()
		return "", models.WrapError(models.KindValidation, op, err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = o.now()
	}
	for _, dep := range t.DependsOn {
		if d, ok := o.tasks[dep]; ok && (d.Status == models.TaskStatusFailed || d.Status == models.TaskStatusCancelled || d.BlockedBy != "") {
			t.BlockedBy = blockerOf(d)
			break
		}
	}
	o.tasks[t.ID] = t
	o.done[t.ID] = make(chan struct{})
	o.sched.push(t)
	o.cond.Broadcast()
	o.mu.Unlock()

	o.logger.Debugw("task submitted", logging.KeyTask, t.ID, "target", t.Target(), "priority", t.Priority.String(), "depends_on", t.DependsOn)
	o.wake()
	return t.ID, nil
}

func (o *Orchestrator) validate(t *models.Task) error {
	const op = "orchestrator.submit"
	if t.Module == "" || t.Action == "" {
		return models.NewError(models.KindValidation, op, "task %q has an empty target", t.Name)
	}
	if o.registry != nil {
		if err := o.registry.Validate(t.Module, t.Action); err != nil {
			return models.WrapError(models.KindValidation, op, err)
		}
	}
	if t.Priority != 0 && !t.Priority.Valid() {
		return models.NewError(models.KindValidation, op, "invalid priority %d", t.Priority)
	}
	if t.MaxRetries < 0 {
		return models.NewError(models.KindValidation, op, "max_retries must be >= 0")
	}
	if t.Timeout < 0 {
		return models.NewError(models.KindValidation, op, "timeout must be >= 0")
	}
	if len(t.Resources) > 0 && o.resources == nil {
		return models.NewError(models.KindValidation, op, "task declares resources but no resource manager is configured")
	}
	for _, r := range t.Resources {
		if err := r.Validate(); err != nil {
			return models.WrapError(models.KindValidation, op, err)
		}
	}
	seen := make(map[string]bool, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == "" {
			return models.NewError(models.KindValidation, op, "empty dependency id")
		}
		if seen[dep] {
			return models.NewError(models.KindValidation, op, "duplicate dependency %s", dep)
		}
		seen[dep] = true
	}
	return nil
}

// Cancel cancels a PENDING task and returns true. For a RUNNING task the
// cancellation is advisory: its context is cancelled, the task ends
// CANCELLED once the action returns, and Cancel returns false.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	switch t.Status {
	case models.TaskStatusPending:
		o.sched.remove(id)
		o.finishLocked(t, &models.TaskResult{
			Success:   false,
			ErrorKind: models.KindCancelled,
			Error:     "cancelled before dispatch",
		}, models.TaskStatusCancelled)
		snap := t.Clone()
		hooks := o.onComplete
		o.mu.Unlock()
		o.logger.Debugw("task cancelled", logging.KeyTask, id)
		o.notify(hooks, snap)
		o.wake()
		return true
	case models.TaskStatusRunning:
		if rt, ok := o.running[id]; ok && !rt.cancelRequested {
			rt.cancelRequested = true
			rt.cancel()
			o.logger.Debugw("cancellation requested for running task", logging.KeyTask, id)
		}
	}
	o.mu.Unlock()
	return false
}

// CancelSession cancels every pending task of a session and requests
// cancellation of its running tasks. Returns the number of pending tasks cancelled.
func (o *Orchestrator) CancelSession(sessionID string) int {
	o.mu.Lock()
	var ids []string
	for id, t := range o.tasks {
		if t.SessionID == sessionID && !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.Cancel(id) {
			n++
		}
	}
	return n
}

// Task returns a copy of a tracked task.
func (o *Orchestrator) Task(id string) (*models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of every tracked task.
func (o *Orchestrator) Tasks() []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Result returns the result of a terminal task.
func (o *Orchestrator) Result(id string) (*models.TaskResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok || t.Result == nil {
		return nil, false
	}
	r := *t.Result
	return &r, true
}

// Await blocks until the task reaches a terminal state or ctx is done.
// A task left pending behind a failed dependency never finishes, so Await
// returns a DependencyUnsatisfiable error for it.
func (o *Orchestrator) Await(ctx context.Context, id string) (*models.TaskResult, error) {
	const op = "orchestrator.await"
	o.mu.Lock()
	ch, ok := o.done[id]
	o.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.KindNotFound, op, "task %s not found", id)
	}

	ticker := time.NewTicker(o.policy.Loop.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			r, _ := o.Result(id)
			return r, nil
		case <-ctx.Done():
			return nil, models.WrapError(models.KindOf(ctx.Err()), op, ctx.Err())
		case <-ticker.C:
			if blocker := o.blockedBy(id); blocker != "" {
				return nil, models.NewError(models.KindDependencyUnsatisfiable, op, "task %s blocked by %s", id, blocker)
			}
		}
	}
}

func (o *Orchestrator) blockedBy(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok && t.Status == models.TaskStatusPending {
		return t.BlockedBy
	}
	return ""
}

// WaitForCompletion blocks until nothing runnable remains: no task is
// running and every pending task is blocked by a failed dependency. It
// returns false if ctx is done first.
func (o *Orchestrator) WaitForCompletion(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.cond.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.drainedLocked() {
		if ctx.Err() != nil {
			return false
		}
		o.cond.Wait()
	}
	return true
}

func (o *Orchestrator) drainedLocked() bool {
	if len(o.running) > 0 {
		return false
	}
	for _, t := range o.tasks {
		if t.Status == models.TaskStatusPending && t.BlockedBy == "" {
			return false
		}
	}
	return true
}

// Delete stops tracking a terminal task. Its id stays in the completed set
// so later tasks may still depend on it.
func (o *Orchestrator) Delete(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok || !t.Status.Terminal() {
		return false
	}
	delete(o.tasks, id)
	delete(o.done, id)
	o.graph.Remove(id)
	return true
}

// Clear drops every terminal task from tracking.
func (o *Orchestrator) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, t := range o.tasks {
		if t.Status.Terminal() {
			delete(o.tasks, id)
			delete(o.done, id)
			o.graph.Remove(id)
			n++
		}
	}
	return n
}

// wake nudges the dispatch loop without blocking.
func (o *Orchestrator) wake() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// finishLocked moves t to a terminal state. Dependents of a task that did
// not complete are marked blocked so they are never dispatched.
func (o *Orchestrator) finishLocked(t *models.Task, result *models.TaskResult, status models.TaskStatus) {
	now := o.now()
	t.Status = status
	t.Result = result
	t.CompletedAt = &now
	delete(o.running, t.ID)

	switch status {
	case models.TaskStatusCompleted:
		o.completed[t.ID] = true
		o.counters.completed++
	case models.TaskStatusFailed:
		o.counters.failed++
		o.markDependentsBlockedLocked(t.ID)
	case models.TaskStatusCancelled:
		o.counters.cancelled++
		o.markDependentsBlockedLocked(t.ID)
	}
	if status != models.TaskStatusCancelled || t.StartedAt != nil {
		o.counters.finished++
		o.counters.totalExec += result.Duration
	}

	if ch, ok := o.done[t.ID]; ok {
		close(ch)
	}
	o.cond.Broadcast()
}

func (o *Orchestrator) markDependentsBlockedLocked(id string) {
	for _, dep := range o.graph.GetTransitiveDependents(id) {
		if d, ok := o.tasks[dep]; ok && d.Status == models.TaskStatusPending && d.BlockedBy == "" {
			d.BlockedBy = id
			o.logger.Debugw("task blocked by failed dependency", logging.KeyTask, dep, "blocked_by", id)
		}
	}
}

func blockerOf(d *models.Task) string {
	if d.BlockedBy != "" {
		return d.BlockedBy
	}
	return d.ID
}

func (o *Orchestrator) notify(hooks []func(*models.Task), t *models.Task) {
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Errorw("completion hook panicked", logging.KeyTask, t.ID, "panic", r)
				}
			}()
			fn(t.Clone())
		}()
	}
}
