// Package workflow defines, stores and executes declarative workflows: named
// DAGs of steps, each step dispatched as an orchestrator task.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docxology/codomyrmex-sub001/internal/graph"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// TargetValidator reports whether a module/action pair can be dispatched.
// *dispatch.Registry satisfies it.
type TargetValidator interface {
	Validate(module, action string) error
}

// Manager holds workflow definitions and runs them.
type Manager struct {
	mu        sync.RWMutex
	workflows map[string]models.Workflow
	// sources maps a definition file to the workflow it defined.
	sources map[string]string

	runner  StepRunner
	targets TargetValidator
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTargets validates step targets at Define time.
func WithTargets(v TargetValidator) Option {
	return func(m *Manager) { m.targets = v }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a workflow manager that dispatches steps through runner.
func NewManager(runner StepRunner, opts ...Option) *Manager {
	m := &Manager{
		workflows: make(map[string]models.Workflow),
		sources:   make(map[string]string),
		runner:    runner,
		logger:    logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Define validates and registers wf, replacing any definition with the same
// name. Nothing is registered if validation fails.
func (m *Manager) Define(wf models.Workflow) error {
	if err := m.Validate(wf); err != nil {
		return err
	}
	wf = wf.Clone()

	m.mu.Lock()
	_, replaced := m.workflows[wf.Name]
	m.workflows[wf.Name] = wf
	m.mu.Unlock()

	m.logger.Infow("workflow defined", logging.KeyWorkflow, wf.Name, "steps", len(wf.Steps), "replaced", replaced)
	return nil
}

// Validate checks wf without registering it. Every structural problem is
// reported, combined into one validation error.
func (m *Manager) Validate(wf models.Workflow) error {
	const op = "workflow.define"
	var errs error
	if wf.Name == "" {
		errs = multierr.Append(errs, errors.New("workflow name is required"))
	}
	if len(wf.Steps) == 0 {
		errs = multierr.Append(errs, errors.New("workflow has no steps"))
	}

	names := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("step %d: name is required", i))
			continue
		}
		if names[s.Name] {
			errs = multierr.Append(errs, fmt.Errorf("step %s: duplicate name", s.Name))
		}
		names[s.Name] = true
	}

	for _, s := range wf.Steps {
		if s.Name == "" {
			continue
		}
		errs = multierr.Append(errs, m.validateStep(s, names))
	}
	if errs != nil {
		return models.WrapError(models.KindValidation, op, fmt.Errorf("workflow %q: %w", wf.Name, errs))
	}

	g, err := m.stepGraph(wf)
	if err != nil {
		return models.WrapError(models.KindValidation, op, fmt.Errorf("workflow %q: %w", wf.Name, err))
	}

	// A step may only read outputs of steps guaranteed to finish before it.
	for _, s := range wf.Steps {
		for _, ref := range References(s.Parameters) {
			if !slices.Contains(g.GetTransitiveDependents(ref), s.Name) {
				errs = multierr.Append(errs, fmt.Errorf("step %s: parameters reference %s, which is not among its dependencies", s.Name, ref))
			}
		}
	}
	if errs != nil {
		return models.WrapError(models.KindValidation, op, fmt.Errorf("workflow %q: %w", wf.Name, errs))
	}
	return nil
}

// stepGraph builds the dependency graph of wf's steps.
func (m *Manager) stepGraph(wf models.Workflow) (*graph.DependencyGraph, error) {
	g := graph.New()
	g.SetDebugLog(m.logger.Debugf)
	nodes := make([]graph.Node, len(wf.Steps))
	for i, s := range wf.Steps {
		nodes[i] = graph.Node{ID: s.Name, DependsOn: s.DependsOn}
	}
	if err := g.Build(nodes); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *Manager) validateStep(s models.WorkflowStep, names map[string]bool) error {
	var errs error
	if s.Module == "" || s.Action == "" {
		errs = multierr.Append(errs, fmt.Errorf("step %s: module and action are required", s.Name))
	} else if m.targets != nil {
		if err := m.targets.Validate(s.Module, s.Action); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("step %s: %w", s.Name, err))
		}
	}
	seen := make(map[string]bool, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		switch {
		case dep == s.Name:
			errs = multierr.Append(errs, fmt.Errorf("step %s: depends on itself", s.Name))
		case !names[dep]:
			errs = multierr.Append(errs, fmt.Errorf("step %s: unknown dependency %s", s.Name, dep))
		case seen[dep]:
			errs = multierr.Append(errs, fmt.Errorf("step %s: duplicate dependency %s", s.Name, dep))
		}
		seen[dep] = true
	}
	for _, ref := range References(s.Parameters) {
		if !names[ref] {
			errs = multierr.Append(errs, fmt.Errorf("step %s: parameters reference unknown step %s", s.Name, ref))
		}
	}
	if s.Priority != 0 && !s.Priority.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("step %s: invalid priority %d", s.Name, s.Priority))
	}
	if s.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("step %s: max_retries must be >= 0", s.Name))
	}
	if s.Timeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("step %s: timeout must be >= 0", s.Name))
	}
	for _, r := range s.Resources {
		if err := r.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("step %s: %w", s.Name, err))
		}
	}
	return errs
}

// Get returns a copy of the named workflow.
func (m *Manager) Get(name string) (models.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[name]
	if !ok {
		return models.Workflow{}, false
	}
	return wf.Clone(), true
}

// List returns the defined workflow names, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes a definition. Executions already running are unaffected.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[name]; !ok {
		return false
	}
	delete(m.workflows, name)
	for file, n := range m.sources {
		if n == name {
			delete(m.sources, file)
		}
	}
	return true
}

// ExecuteOption configures one execution.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	id             string
	sessionID      string
	maxParallel    int
	noResourceWait bool
	observer       func(step string, r models.StepResult)
}

// WithSession tags every step task with a session id.
func WithSession(id string) ExecuteOption {
	return func(o *executeOptions) { o.sessionID = id }
}

// WithMaxParallel bounds how many steps of a frontier run at once. 1 runs
// steps one at a time; 0 means unbounded.
func WithMaxParallel(n int) ExecuteOption {
	return func(o *executeOptions) { o.maxParallel = n }
}

// WithoutResourceWait lets lower-priority tasks overtake steps whose
// resources are saturated.
func WithoutResourceWait() ExecuteOption {
	return func(o *executeOptions) { o.noResourceWait = true }
}

// WithExecutionID sets the execution id instead of generating one.
func WithExecutionID(id string) ExecuteOption {
	return func(o *executeOptions) { o.id = id }
}

// WithStepObserver is called each time a step changes state.
func WithStepObserver(fn func(step string, r models.StepResult)) ExecuteOption {
	return func(o *executeOptions) { o.observer = fn }
}

// execution tracks one run. Results and step states are guarded by mu.
type execution struct {
	mu       sync.Mutex
	rec      *models.WorkflowExecution
	wf       models.Workflow
	params   map[string]any
	opts     executeOptions
	runner   StepRunner
	logger   *zap.SugaredLogger
	now      func() time.Time
	// deps tracks which steps completed; it drives frontier selection.
	deps  *graph.DependencyGraph
	steps map[string]models.WorkflowStep
}

// Execute runs the named workflow to completion. Step failures are reported
// in the returned execution, not as an error; the error is reserved for an
// unknown workflow or a missing runner.
func (m *Manager) Execute(ctx context.Context, name string, params map[string]any, opts ...ExecuteOption) (*models.WorkflowExecution, error) {
	const op = "workflow.execute"
	wf, ok := m.Get(name)
	if !ok {
		return nil, models.NewError(models.KindNotFound, op, "workflow %s not found", name)
	}
	if m.runner == nil {
		return nil, models.NewError(models.KindValidation, op, "no step runner configured")
	}

	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	merged := models.CloneParams(wf.Parameters)
	if merged == nil {
		merged = make(map[string]any, len(params))
	}
	for k, v := range params {
		merged[k] = v
	}

	rec := &models.WorkflowExecution{
		ID:           o.id,
		WorkflowName: wf.Name,
		SessionID:    o.sessionID,
		Parameters:   models.CloneParams(params),
		Results:      make(map[string]any),
		Steps:        make(map[string]*models.StepResult, len(wf.Steps)),
		Status:       models.ExecutionRunning,
		StartedAt:    m.now(),
	}
	for _, s := range wf.Steps {
		rec.Steps[s.Name] = &models.StepResult{Status: models.StepPending}
	}

	deps, err := m.stepGraph(wf)
	if err != nil {
		return nil, models.WrapError(models.KindValidation, op, err)
	}
	steps := make(map[string]models.WorkflowStep, len(wf.Steps))
	for _, s := range wf.Steps {
		steps[s.Name] = s
	}

	e := &execution{
		rec:    rec,
		wf:     wf,
		params: merged,
		opts:   o,
		runner: m.runner,
		logger: m.logger.With(logging.KeyWorkflow, wf.Name, "execution_id", o.id),
		now:    m.now,
		deps:   deps,
		steps:  steps,
	}
	e.logger.Infow("workflow execution started", "steps", len(wf.Steps))
	e.run(ctx)
	e.logger.Infow("workflow execution finished", "status", rec.Status, "errors", len(rec.Errors), "duration", rec.Duration())
	return rec, nil
}

func (e *execution) run(ctx context.Context) {
	for {
		e.skipBlocked()
		if ctx.Err() != nil {
			break
		}
		frontier := e.frontier()
		if len(frontier) == 0 {
			break
		}

		// Outputs only change between frontiers, so one snapshot serves
		// every step of this frontier.
		outputs := e.outputs()
		var g errgroup.Group
		if e.opts.maxParallel > 0 {
			g.SetLimit(e.opts.maxParallel)
		}
		for _, step := range frontier {
			step := step
			g.Go(func() error {
				e.runStep(ctx, step, outputs)
				return nil
			})
		}
		_ = g.Wait()
	}
	e.finish(ctx)
}

// frontier returns the pending steps whose dependencies all completed, in
// declaration order.
func (e *execution) frontier() []models.WorkflowStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready []models.WorkflowStep
	for _, name := range e.deps.GetReady() {
		if e.rec.Steps[name].Status == models.StepPending {
			ready = append(ready, e.steps[name])
		}
	}
	return ready
}

// skipBlocked marks pending steps whose dependencies failed or were skipped.
// Declaration order is not topological, so it repeats until nothing changes.
func (e *execution) skipBlocked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for changed := true; changed; {
		changed = false
		for _, s := range e.wf.Steps {
			sr := e.rec.Steps[s.Name]
			if sr.Status != models.StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				ds := e.rec.Steps[dep].Status
				if ds != models.StepFailed && ds != models.StepSkipped {
					continue
				}
				sr.Status = models.StepSkipped
				sr.ErrorKind = models.KindDependencyUnsatisfiable
				sr.Error = fmt.Sprintf("dependency %s %s", dep, ds)
				e.rec.Errors = append(e.rec.Errors, models.StepError{
					Step:    s.Name,
					Kind:    models.KindDependencyUnsatisfiable,
					Message: sr.Error,
				})
				e.observeLocked(s.Name, sr)
				changed = true
				break
			}
		}
	}
}

func (e *execution) outputs() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.rec.Results))
	for k, v := range e.rec.Results {
		out[k] = v
	}
	return out
}

func (e *execution) runStep(ctx context.Context, step models.WorkflowStep, outputs map[string]any) {
	log := e.logger.With(logging.KeyStep, step.Name)

	params, err := Substitute(step.Parameters, outputs, e.params)
	if err != nil {
		log.Warnw("step parameters could not be resolved", "error", err)
		e.record(step.Name, nil, models.WrapError(models.KindValidation, "workflow.substitute", err))
		return
	}

	taskID := uuid.New().String()
	e.mu.Lock()
	started := e.now()
	sr := e.rec.Steps[step.Name]
	sr.Status = models.StepRunning
	sr.TaskID = taskID
	sr.StartedAt = &started
	e.observeLocked(step.Name, sr)
	e.mu.Unlock()

	log.Debugw("step dispatched", logging.KeyTask, taskID, "target", step.Module+"."+step.Action)
	result, err := e.runner.RunStep(ctx, StepRequest{
		TaskID:         taskID,
		ExecutionID:    e.rec.ID,
		Workflow:       e.wf.Name,
		Step:           step,
		Params:         params,
		SessionID:      e.opts.sessionID,
		NoResourceWait: e.opts.noResourceWait,
	})
	e.record(step.Name, result, err)
}

// record stores a step outcome. err covers failures to run the step at all;
// result covers the task's own outcome.
func (e *execution) record(name string, result *models.TaskResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr := e.rec.Steps[name]
	now := e.now()
	sr.FinishedAt = &now
	if result != nil {
		sr.Attempts = result.Attempts
		sr.Duration = result.Duration
	}

	switch {
	case err != nil:
		sr.Status = models.StepFailed
		sr.ErrorKind = models.KindOf(err)
		sr.Error = err.Error()
	case result == nil:
		sr.Status = models.StepFailed
		sr.ErrorKind = models.KindExecution
		sr.Error = "step produced no result"
	case !result.Success:
		sr.Status = models.StepFailed
		sr.ErrorKind = result.ErrorKind
		if sr.ErrorKind == "" {
			sr.ErrorKind = models.KindExecution
		}
		sr.Error = result.Error
	default:
		sr.Status = models.StepCompleted
		sr.Output = result.Output
		e.rec.Results[name] = result.Output
		e.deps.MarkComplete(name)
	}

	if sr.Status == models.StepFailed {
		e.rec.Errors = append(e.rec.Errors, models.StepError{Step: name, Kind: sr.ErrorKind, Message: sr.Error})
		e.logger.Infow("step failed", logging.KeyStep, name, "kind", sr.ErrorKind, "error", sr.Error)
	}
	e.observeLocked(name, sr)
}

func (e *execution) finish(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed, pending bool
	for _, s := range e.wf.Steps {
		switch e.rec.Steps[s.Name].Status {
		case models.StepFailed:
			failed = true
		case models.StepPending:
			pending = true
		}
	}

	switch {
	case pending && ctx.Err() != nil:
		kind := models.KindOf(ctx.Err())
		for _, s := range e.wf.Steps {
			sr := e.rec.Steps[s.Name]
			if sr.Status != models.StepPending {
				continue
			}
			sr.Status = models.StepSkipped
			sr.ErrorKind = kind
			sr.Error = "execution cancelled before dispatch"
			e.rec.Errors = append(e.rec.Errors, models.StepError{Step: s.Name, Kind: kind, Message: sr.Error})
		}
		e.rec.Status = models.ExecutionFailed
	case failed:
		e.rec.Status = models.ExecutionFailed
	case pending:
		for _, s := range e.wf.Steps {
			if e.rec.Steps[s.Name].Status == models.StepPending {
				e.rec.Errors = append(e.rec.Errors, models.StepError{
					Step:    s.Name,
					Kind:    models.KindDependencyUnsatisfiable,
					Message: "no progress possible",
				})
			}
		}
		e.rec.Status = models.ExecutionAborted
	default:
		e.rec.Status = models.ExecutionCompleted
	}
	ended := e.now()
	e.rec.EndedAt = &ended
}

func (e *execution) observeLocked(name string, sr *models.StepResult) {
	if e.opts.observer == nil {
		return
	}
	snap := *sr
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorw("step observer panicked", logging.KeyStep, name, "panic", r)
			}
		}()
		e.opts.observer(name, snap)
	}()
}
