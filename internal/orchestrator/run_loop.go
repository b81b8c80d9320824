package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/resource"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// runLoop is the single dispatch goroutine. Each pass dispatches what it
// can, then sleeps until a submit or completion triggers a rescan or the
// poll interval elapses.
func (o *Orchestrator) runLoop(ctx context.Context) {
	for {
		o.dispatchRound(ctx)
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
		case <-time.After(o.policy.Loop.PollInterval):
		}
	}
}

// dispatchRound walks pending tasks in priority order and starts every
// ready task it can place on a worker with its resources granted.
func (o *Orchestrator) dispatchRound(ctx context.Context) {
	type launch struct {
		task  *models.Task
		alloc *resource.Allocation
		tctx  context.Context
	}
	var launches []launch
	var failedHooks []*models.Task

	o.mu.Lock()
	o.sched.round(func(t *models.Task) (bool, bool) {
		if ctx.Err() != nil {
			return false, true
		}
		if t.BlockedBy != "" || !o.depsCompleteLocked(t) {
			return false, false
		}
		if !o.pool.tryAcquire() {
			return false, true
		}

		var alloc *resource.Allocation
		if len(t.Resources) > 0 {
			a, err := o.resources.Allocate(t.ID, t.Resources, resource.WithOwner(t.SessionID))
			if err != nil {
				o.pool.release()
				if errors.Is(err, resource.ErrUnsatisfiable) || !errors.Is(err, models.ErrResourceDenied) {
					o.finishLocked(t, &models.TaskResult{
						ErrorKind: models.KindOf(err),
						Error:     err.Error(),
					}, models.TaskStatusFailed)
					failedHooks = append(failedHooks, t.Clone())
					o.logger.Warnw("task can never acquire its resources", logging.KeyTask, t.ID, "error", err)
					return true, false
				}
				o.logger.Debugw("resources denied, task stays queued", logging.KeyTask, t.ID, "error", err)
				return false, !t.NoResourceWait
			}
			alloc = a
		}

		tctx, cancel := context.WithCancel(ctx)
		now := o.now()
		t.Status = models.TaskStatusRunning
		t.StartedAt = &now
		o.running[t.ID] = &runningTask{cancel: cancel}
		o.counters.dispatched++
		launches = append(launches, launch{task: t, alloc: alloc, tctx: tctx})
		return true, false
	})
	hooks := o.onComplete
	if len(launches) > 0 || len(failedHooks) > 0 {
		o.cond.Broadcast()
	}
	o.mu.Unlock()

	for _, t := range failedHooks {
		o.notify(hooks, t)
	}
	for _, l := range launches {
		l := l
		o.logger.Debugw("task dispatched", logging.KeyTask, l.task.ID, "target", l.task.Target(), logging.KeySession, l.task.SessionID)
		o.pool.run(func() { o.execute(l.tctx, l.task, l.alloc) })
	}
}

func (o *Orchestrator) depsCompleteLocked(t *models.Task) bool {
	for _, dep := range t.DependsOn {
		if !o.completed[dep] {
			return false
		}
	}
	return true
}

// execute runs one task through its attempts on a worker goroutine.
func (o *Orchestrator) execute(ctx context.Context, t *models.Task, alloc *resource.Allocation) {
	// The dispatch loop no longer touches t once it is RUNNING, so the
	// immutable fields can be read here without the lock.
	params := models.CloneParams(t.Parameters)
	maxRetries := t.MaxRetries
	timeout := t.Timeout

	var (
		out      any
		err      error
		duration time.Duration
		attempts int
		status   models.TaskStatus
	)
	for {
		attempts++
		start := time.Now()
		out, err = o.attempt(ctx, t.Module, t.Action, params, timeout)
		duration = time.Since(start)

		if ctx.Err() != nil {
			status = models.TaskStatusCancelled
			break
		}
		if err == nil {
			status = models.TaskStatusCompleted
			break
		}
		kind := models.KindOf(err)
		if attempts > maxRetries || !kind.Retryable() {
			status = models.TaskStatusFailed
			break
		}

		o.mu.Lock()
		t.RetryCount++
		o.counters.retries++
		o.mu.Unlock()
		o.logger.Infow("task attempt failed, retrying", logging.KeyTask, t.ID, "attempt", attempts, "kind", kind, "error", err)

		if d := o.policy.Retry.Backoff(attempts); d > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
		if ctx.Err() != nil {
			// cancelled between attempts; the last failure stays attached
			status = models.TaskStatusCancelled
			break
		}
	}

	if alloc != nil {
		o.resources.Release(t.ID, alloc.ID)
	}

	result := &models.TaskResult{
		Success:  status == models.TaskStatusCompleted,
		Duration: duration,
		Attempts: attempts,
	}
	switch status {
	case models.TaskStatusCompleted:
		result.Output = out
	case models.TaskStatusCancelled:
		result.ErrorKind = models.KindCancelled
		result.Error = "cancelled while running"
		if err != nil {
			result.Error += ": " + err.Error()
		}
	default:
		result.ErrorKind = models.KindOf(err)
		result.Error = err.Error()
	}

	o.mu.Lock()
	if rt, ok := o.running[t.ID]; ok {
		rt.cancel()
	}
	o.finishLocked(t, result, status)
	snap := t.Clone()
	hooks := o.onComplete
	o.mu.Unlock()

	if status == models.TaskStatusCompleted {
		o.logger.Debugw("task completed", logging.KeyTask, t.ID, "attempts", attempts, "duration", duration)
	} else {
		o.logger.Infow("task finished unsuccessfully", logging.KeyTask, t.ID, "status", status, "kind", result.ErrorKind, "error", result.Error)
	}
	o.notify(hooks, snap)
	o.wake()
}

type invocation struct {
	out any
	err error
}

// attempt invokes the target once. A target that outlives its timeout is
// abandoned and reported as a timeout. A cancelled target is given the
// cancel grace period to return before it is abandoned too.
func (o *Orchestrator) attempt(ctx context.Context, module, action string, params map[string]any, timeout time.Duration) (any, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resCh := make(chan invocation, 1)
	go func() {
		out, err := o.registry.Invoke(actx, module, action, models.CloneParams(params))
		resCh <- invocation{out: out, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err == nil && actx.Err() != nil && ctx.Err() == nil {
			return nil, models.NewError(models.KindTimeout, "orchestrator.execute", "%s.%s exceeded timeout %s", module, action, timeout)
		}
		return r.out, r.err
	case <-actx.Done():
	}

	if ctx.Err() != nil {
		select {
		case r := <-resCh:
			return r.out, r.err
		case <-time.After(o.policy.Execution.CancelGrace):
			return nil, ctx.Err()
		}
	}
	return nil, models.NewError(models.KindTimeout, "orchestrator.execute", "%s.%s exceeded timeout %s", module, action, timeout)
}
