package models

import "time"

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	Name       string                `json:"name" yaml:"name"`
	Module     string                `json:"module" yaml:"module"`
	Action     string                `json:"action" yaml:"action"`
	Parameters map[string]any        `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn  []string              `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout    Duration              `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int                   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Priority   Priority              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Resources  []ResourceRequirement `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Workflow is a named, reusable DAG of steps.
type Workflow struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	// Parameters holds default values for workflow-level placeholders.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	out := Workflow{
		Name:        w.Name,
		Description: w.Description,
		Parameters:  CloneParams(w.Parameters),
	}
	if len(w.Steps) > 0 {
		out.Steps = make([]WorkflowStep, len(w.Steps))
		for i, s := range w.Steps {
			c := s
			c.Parameters = CloneParams(s.Parameters)
			c.DependsOn = append([]string(nil), s.DependsOn...)
			if s.Resources != nil {
				c.Resources = make([]ResourceRequirement, len(s.Resources))
				for j, r := range s.Resources {
					c.Resources[j] = r.Clone()
				}
			}
			out.Steps[i] = c
		}
	}
	return out
}

// ExecutionStatus is the overall state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// StepStatus is the state of one step inside an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks a step that was never dispatched because a dependency failed.
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one step.
type StepResult struct {
	Status     StepStatus    `json:"status"`
	TaskID     string        `json:"task_id,omitempty"`
	Output     any           `json:"output,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// StepError is one entry of an execution's error list.
type StepError struct {
	Step    string    `json:"step"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// WorkflowExecution is the per-invocation record of a workflow run.
type WorkflowExecution struct {
	ID           string                 `json:"id"`
	WorkflowName string                 `json:"workflow_name"`
	SessionID    string                 `json:"session_id,omitempty"`
	Parameters   map[string]any         `json:"parameters,omitempty"`
	Results      map[string]any         `json:"results"`
	Steps        map[string]*StepResult `json:"steps"`
	Errors       []StepError            `json:"errors,omitempty"`
	Status       ExecutionStatus        `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
}

// Success returns true if the execution completed with every step succeeding.
func (e *WorkflowExecution) Success() bool {
	return e.Status == ExecutionCompleted
}

// Duration returns the elapsed execution time, or time since start while running.
func (e *WorkflowExecution) Duration() time.Duration {
	if e.EndedAt != nil {
		return e.EndedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}
