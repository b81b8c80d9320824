package workflow

import (
	"context"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// StepRequest is everything a runner needs to execute one step.
type StepRequest struct {
	TaskID      string
	ExecutionID string
	Workflow    string
	Step        models.WorkflowStep
	// Params are the step parameters after placeholder substitution.
	Params         map[string]any
	SessionID      string
	NoResourceWait bool
}

// StepRunner executes a single workflow step and blocks until it finishes.
// A returned error means the step could not be run; a finished step reports
// failure through the result.
type StepRunner interface {
	RunStep(ctx context.Context, req StepRequest) (*models.TaskResult, error)
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, req StepRequest) (*models.TaskResult, error)

// RunStep calls f.
func (f StepRunnerFunc) RunStep(ctx context.Context, req StepRequest) (*models.TaskResult, error) {
	return f(ctx, req)
}

// TaskQueue is the part of the orchestrator a TaskRunner needs.
type TaskQueue interface {
	Submit(task *models.Task) (string, error)
	Await(ctx context.Context, id string) (*models.TaskResult, error)
	Cancel(id string) bool
	Delete(id string) bool
}

// TaskRunner runs steps as orchestrator tasks, so steps get priority
// scheduling, resource grants, retries and timeouts.
type TaskRunner struct {
	Queue TaskQueue
}

// NewTaskRunner returns a StepRunner backed by q.
func NewTaskRunner(q TaskQueue) *TaskRunner {
	return &TaskRunner{Queue: q}
}

// RunStep submits the step as a task and waits for its result. If ctx ends
// first the task is cancelled. A finished task is dropped from the queue
// once its result is read; the execution keeps the step result.
func (r *TaskRunner) RunStep(ctx context.Context, req StepRequest) (*models.TaskResult, error) {
	s := req.Step
	task := &models.Task{
		ID:             req.TaskID,
		Name:           req.Workflow + "." + s.Name,
		Module:         s.Module,
		Action:         s.Action,
		Parameters:     req.Params,
		Priority:       s.Priority,
		Resources:      s.Resources,
		Timeout:        s.Timeout.Std(),
		MaxRetries:     s.MaxRetries,
		SessionID:      req.SessionID,
		NoResourceWait: req.NoResourceWait,
	}
	id, err := r.Queue.Submit(task)
	if err != nil {
		return nil, err
	}
	result, err := r.Queue.Await(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			r.Queue.Cancel(id)
		}
		return nil, err
	}
	r.Queue.Delete(id)
	return result, nil
}
