// Package engine is the entry point callers use: it owns sessions, routes
// tasks and workflows to the orchestrator and workflow manager, and fans
// lifecycle events out to subscribers.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/orchestrator"
	"github.com/docxology/codomyrmex-sub001/internal/resource"
	"github.com/docxology/codomyrmex-sub001/internal/workflow"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Recorder persists lifecycle records. *state.DB satisfies it.
type Recorder interface {
	RecordSession(s models.Session) error
	RecordTask(t *models.Task) error
	RecordExecution(e *models.WorkflowExecution) error
}

// session is the engine's live view of one models.Session.
type session struct {
	info   models.Session
	gate   *admission
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// Engine coordinates sessions over a shared orchestrator, workflow manager
// and resource manager.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	tasks     *orchestrator.Orchestrator
	workflows *workflow.Manager
	resources *resource.Manager
	recorder  Recorder
	events    *bus
	logger    *zap.SugaredLogger
	now       func() time.Time

	defaultMaxParallel int
	defaultMode        models.ExecutionMode
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithRecorder persists sessions, tasks and executions through r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithDefaultMaxParallel sets the ceiling used when CreateSession gets 0.
func WithDefaultMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultMaxParallel = n
		}
	}
}

// WithDefaultMode sets the mode used when CreateSession gets an empty mode.
func WithDefaultMode(m models.ExecutionMode) Option {
	return func(e *Engine) {
		if m.Valid() {
			e.defaultMode = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New wires an engine over its collaborators. resources may be nil when no
// task declares resource needs.
func New(tasks *orchestrator.Orchestrator, workflows *workflow.Manager, resources *resource.Manager, opts ...Option) *Engine {
	e := &Engine{
		sessions:           make(map[string]*session),
		tasks:              tasks,
		workflows:          workflows,
		resources:          resources,
		logger:             logging.Nop(),
		now:                time.Now,
		defaultMaxParallel: 4,
		defaultMode:        models.ModeResourceAware,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = newBus(e.logger)
	tasks.OnComplete(e.taskFinished)
	return e
}

// Start starts the orchestrator's dispatch loop.
func (e *Engine) Start(ctx context.Context) error {
	return e.tasks.Start(ctx)
}

// On registers handler for an event name, or AllEvents. The returned func
// unregisters it.
func (e *Engine) On(name string, handler Handler) func() {
	return e.events.on(name, handler)
}

// Emit delivers an event to every handler registered for its name. Handler
// errors and panics are logged and never reach the caller.
func (e *Engine) Emit(name string, payload map[string]any) {
	e.events.emit(Event{Name: name, Payload: payload, Time: e.now()})
}

// Subscribe returns a channel receiving every event. Events that cannot be
// delivered in time are dropped and counted. cancel closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// DroppedEvents returns how many events subscribers missed.
func (e *Engine) DroppedEvents() uint64 {
	return e.events.dropped.Load()
}

// SessionOption configures CreateSession.
type SessionOption func(*models.Session)

// WithSessionTimeout fails the session and releases its resources after d.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *models.Session) { s.Timeout = d }
}

// WithSessionID sets the session id instead of generating one.
func WithSessionID(id string) SessionOption {
	return func(s *models.Session) { s.ID = id }
}

// CreateSession opens a session and returns its id.
func (e *Engine) CreateSession(userID string, mode models.ExecutionMode, maxParallel int, opts ...SessionOption) (string, error) {
	const op = "engine.create_session"
	if mode == "" {
		mode = e.defaultMode
	}
	if !mode.Valid() {
		return "", models.NewError(models.KindValidation, op, "unknown execution mode %q", mode)
	}
	if maxParallel < 0 {
		return "", models.NewError(models.KindValidation, op, "max_parallel must be >= 0")
	}
	if maxParallel == 0 {
		maxParallel = e.defaultMaxParallel
	}

	info := models.Session{
		UserID:      userID,
		Mode:        mode,
		MaxParallel: maxParallel,
		Status:      models.SessionActive,
		CreatedAt:   e.now(),
	}
	for _, opt := range opts {
		opt(&info)
	}
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	if info.Timeout < 0 {
		return "", models.NewError(models.KindValidation, op, "timeout must be >= 0")
	}
	limit := maxParallel
	if mode == models.ModeSequential {
		limit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{info: info, gate: newAdmission(limit), ctx: ctx, cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", models.NewError(models.KindValidation, op, "engine is shut down")
	}
	if _, exists := e.sessions[info.ID]; exists {
		e.mu.Unlock()
		cancel()
		return "", models.NewError(models.KindValidation, op, "session %s already exists", info.ID)
	}
	e.sessions[info.ID] = s
	if info.Timeout > 0 {
		id := info.ID
		s.timer = time.AfterFunc(info.Timeout, func() { e.expire(id) })
	}
	e.mu.Unlock()

	e.logger.Infow("session created", logging.KeySession, info.ID, "user", userID, "mode", mode, "max_parallel", maxParallel)
	e.record(info)
	e.Emit(EventSessionCreated, map[string]any{"sessionId": info.ID, "userId": userID, "mode": string(mode)})
	return info.ID, nil
}

// activeSession returns a session that can accept work.
func (e *Engine) activeSession(op, id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, op, "session %s not found", id)
	}
	if s.info.Status.Closed() {
		return nil, models.NewError(models.KindValidation, op, "session %s is %s", id, s.info.Status)
	}
	return s, nil
}

// admit blocks for a session slot. The returned context ends with either
// the caller's context or the session.
func (e *Engine) admit(ctx context.Context, s *session, p models.Priority) (context.Context, func(), error) {
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	if err := s.gate.acquire(wctx, p); err != nil {
		stop()
		cancel()
		return nil, nil, err
	}
	return wctx, func() {
		s.gate.release()
		stop()
		cancel()
	}, nil
}

// ExecuteTask runs one task inside a session and waits for its result. A
// task that ran and failed is reported through the result; the error covers
// rejected or interrupted tasks.
func (e *Engine) ExecuteTask(ctx context.Context, sessionID string, task *models.Task) (*models.TaskResult, error) {
	const op = "engine.execute_task"
	if task == nil {
		return nil, models.NewError(models.KindValidation, op, "nil task")
	}
	s, err := e.activeSession(op, sessionID)
	if err != nil {
		return nil, err
	}

	t := task.Clone()
	t.SessionID = sessionID
	if s.info.Mode != models.ModeResourceAware {
		t.NoResourceWait = true
	}
	prio := t.Priority
	if prio == 0 {
		prio = models.PriorityNormal
	}

	wctx, done, err := e.admit(ctx, s, prio)
	if err != nil {
		return nil, models.WrapError(models.KindOf(err), op, err)
	}
	defer done()

	id, err := e.submit(op, s, t)
	if err != nil {
		return nil, err
	}
	result, err := e.tasks.Await(wctx, id)
	if err != nil {
		if wctx.Err() != nil {
			e.tasks.Cancel(id)
		}
		return nil, err
	}
	return result, nil
}

// submit queues t unless its session has closed. Holding e.mu across Submit
// orders the task before close's CancelSession sweep, so a closing session
// either sees the task or the task is never queued.
func (e *Engine) submit(op string, s *session, t *models.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.info.Status.Closed() {
		return "", models.NewError(models.KindCancelled, op, "session %s is %s", s.info.ID, s.info.Status)
	}
	return e.tasks.Submit(t)
}

// ExecuteWorkflow runs a defined workflow inside a session.
func (e *Engine) ExecuteWorkflow(ctx context.Context, sessionID, name string, params map[string]any) (*models.WorkflowExecution, error) {
	const op = "engine.execute_workflow"
	s, err := e.activeSession(op, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.workflows.Get(name); !ok {
		return nil, models.NewError(models.KindNotFound, op, "workflow %s not found", name)
	}

	wctx, done, err := e.admit(ctx, s, models.PriorityNormal)
	if err != nil {
		return nil, models.WrapError(models.KindOf(err), op, err)
	}
	defer done()

	execID := uuid.New().String()
	opts := []workflow.ExecuteOption{
		workflow.WithExecutionID(execID),
		workflow.WithSession(sessionID),
		workflow.WithStepObserver(func(step string, r models.StepResult) {
			e.Emit(EventStepUpdated, map[string]any{
				"executionId":  execID,
				"workflowName": name,
				"step":         step,
				"status":       string(r.Status),
				"error":        r.Error,
				"attempts":     r.Attempts,
			})
		}),
	}
	switch s.info.Mode {
	case models.ModeSequential:
		opts = append(opts, workflow.WithMaxParallel(1), workflow.WithoutResourceWait())
	case models.ModeResourceAware:
		opts = append(opts, workflow.WithMaxParallel(s.info.MaxParallel))
	default:
		opts = append(opts, workflow.WithMaxParallel(s.info.MaxParallel), workflow.WithoutResourceWait())
	}

	e.Emit(EventWorkflowStarted, map[string]any{"workflowName": name, "sessionId": sessionID, "executionId": execID})
	exec, err := e.workflows.Execute(wctx, name, params, opts...)
	if err != nil {
		return nil, err
	}

	e.recordExecution(exec)
	e.Emit(EventWorkflowCompleted, map[string]any{
		"workflowName":    name,
		"success":         exec.Success(),
		"executionTimeMs": exec.Duration().Milliseconds(),
		"executionId":     exec.ID,
		"sessionId":       sessionID,
		"status":          string(exec.Status),
	})
	return exec, nil
}

// AllocateResources grants resources to a session outside any task. The
// grant is tagged with the session and swept when it closes. A
// resource_aware session waits for contended resources until ctx or the
// session ends; other modes fail at once.
func (e *Engine) AllocateResources(ctx context.Context, sessionID string, reqs []models.ResourceRequirement) (*resource.Allocation, error) {
	const op = "engine.allocate"
	if e.resources == nil {
		return nil, models.NewError(models.KindValidation, op, "no resource manager configured")
	}
	s, err := e.activeSession(op, sessionID)
	if err != nil {
		return nil, err
	}
	var alloc *resource.Allocation
	if s.info.Mode == models.ModeResourceAware {
		wctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(s.ctx, cancel)
		alloc, err = e.resources.AllocateWait(wctx, sessionID, reqs, resource.WithOwner(sessionID))
		stop()
		cancel()
	} else {
		alloc, err = e.resources.Allocate(sessionID, reqs, resource.WithOwner(sessionID))
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if s.info.Status.Closed() {
		// Closed while allocating; do not leak the grant.
		e.mu.Unlock()
		e.resources.Release(sessionID, alloc.ID)
		return nil, models.NewError(models.KindValidation, op, "session %s closed", sessionID)
	}
	s.info.Allocations = append(s.info.Allocations, alloc.ID)
	e.mu.Unlock()

	e.logger.Debugw("resources allocated to session", logging.KeySession, sessionID, "allocation", alloc.ID, "resources", alloc.ResourceIDs())
	return alloc, nil
}

// ReleaseResources releases one session allocation, or all of them when
// allocationID is empty. Returns the number of grants freed.
func (e *Engine) ReleaseResources(sessionID, allocationID string) (int, error) {
	const op = "engine.release"
	if e.resources == nil {
		return 0, nil
	}
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return 0, models.NewError(models.KindNotFound, op, "session %s not found", sessionID)
	}
	kept := s.info.Allocations[:0]
	for _, id := range s.info.Allocations {
		if allocationID != "" && id != allocationID {
			kept = append(kept, id)
		}
	}
	s.info.Allocations = kept
	e.mu.Unlock()

	return e.resources.Release(sessionID, allocationID), nil
}

// CloseSession ends a session normally: outstanding work is cancelled and
// every resource it holds is released. Closing twice is a no-op.
func (e *Engine) CloseSession(id string) error {
	return e.close(id, models.SessionCompleted, "closed")
}

// CancelSession ends a session as CANCELLED, cancelling its pending tasks.
func (e *Engine) CancelSession(id string) error {
	return e.close(id, models.SessionCancelled, "cancelled")
}

func (e *Engine) expire(id string) {
	if err := e.close(id, models.SessionFailed, "timeout"); err == nil {
		e.logger.Warnw("session timed out", logging.KeySession, id)
	}
}

func (e *Engine) close(id string, status models.SessionStatus, reason string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return models.NewError(models.KindNotFound, "engine.close_session", "session %s not found", id)
	}
	if s.info.Status.Closed() {
		e.mu.Unlock()
		return nil
	}
	now := e.now()
	s.info.Status = status
	s.info.ClosedAt = &now
	s.info.Allocations = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	info := s.info
	e.mu.Unlock()

	s.cancel()
	cancelled := e.tasks.CancelSession(id)
	released := 0
	if e.resources != nil {
		released = e.resources.ReleaseOwner(id)
	}

	e.logger.Infow("session closed", logging.KeySession, id, "status", status, "reason", reason, "tasks_cancelled", cancelled, "grants_released", released)
	e.record(info)
	e.Emit(EventSessionClosed, map[string]any{"sessionId": id, "status": string(status), "reason": reason})
	return nil
}

// Session returns a snapshot of one session.
func (e *Engine) Session(id string) (models.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return snapshot(s), true
}

// Sessions returns snapshots of every session, oldest first.
func (e *Engine) Sessions() []models.Session {
	e.mu.Lock()
	out := make([]models.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, snapshot(s))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func snapshot(s *session) models.Session {
	info := s.info
	info.Allocations = append([]string(nil), s.info.Allocations...)
	return info
}

// Stats summarises the engine and the orchestrator beneath it.
type Stats struct {
	Sessions       map[models.SessionStatus]int `json:"sessions"`
	Outstanding    int                          `json:"outstanding"`
	Workflows      int                          `json:"workflows"`
	DroppedEvents  uint64                       `json:"dropped_events"`
	Tasks          orchestrator.Stats           `json:"tasks"`
	UnhealthyPools []string                     `json:"unhealthy_resources,omitempty"`
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	st := Stats{
		Sessions:      make(map[models.SessionStatus]int),
		Workflows:     len(e.workflows.List()),
		DroppedEvents: e.DroppedEvents(),
		Tasks:         e.tasks.Stats(),
	}
	e.mu.Lock()
	for _, s := range e.sessions {
		st.Sessions[s.info.Status]++
		st.Outstanding += s.gate.outstanding()
	}
	e.mu.Unlock()

	if e.resources != nil {
		for id, h := range e.resources.HealthCheck() {
			if !h.Healthy {
				st.UnhealthyPools = append(st.UnhealthyPools, id)
			}
		}
		sort.Strings(st.UnhealthyPools)
	}
	return st
}

// Shutdown cancels every active session, waits for running tasks to drain
// until ctx is done, and stops the orchestrator.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var active []string
	for id, s := range e.sessions {
		if !s.info.Status.Closed() {
			active = append(active, id)
		}
	}
	e.mu.Unlock()

	sort.Strings(active)
	for _, id := range active {
		_ = e.CancelSession(id)
	}

	drained := e.tasks.WaitForCompletion(ctx)
	e.tasks.Stop()
	e.logger.Infow("engine shut down", "sessions_cancelled", len(active), "drained", drained)
	if !drained {
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
	return nil
}

// taskFinished is the orchestrator completion hook.
func (e *Engine) taskFinished(t *models.Task) {
	if e.recorder != nil {
		if err := e.recorder.RecordTask(t); err != nil {
			e.logger.Warnw("record task failed", logging.KeyTask, t.ID, "error", err)
		}
	}
	payload := map[string]any{
		"taskId":    t.ID,
		"name":      t.Name,
		"sessionId": t.SessionID,
		"status":    string(t.Status),
	}
	if t.Result != nil {
		payload["success"] = t.Result.Success
		payload["durationMs"] = t.Result.Duration.Milliseconds()
		payload["attempts"] = t.Result.Attempts
		if !t.Result.Success {
			payload["errorKind"] = string(t.Result.ErrorKind)
			payload["error"] = t.Result.Error
		}
	}
	if t.Status == models.TaskStatusCompleted {
		e.Emit(EventTaskCompleted, payload)
	} else {
		e.Emit(EventTaskFailed, payload)
	}
}

func (e *Engine) record(s models.Session) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordSession(s); err != nil {
		e.logger.Warnw("record session failed", logging.KeySession, s.ID, "error", err)
	}
}

func (e *Engine) recordExecution(x *models.WorkflowExecution) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordExecution(x); err != nil {
		e.logger.Warnw("record execution failed", logging.KeyWorkflow, x.WorkflowName, "error", err)
	}
}
