package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed after exhausting its retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before or while running.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true once the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Priority ranks tasks for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid returns true if the priority is one of the four known bands.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a name such as "high" into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText renders the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalJSON accepts a band name ("high") or its number (3).
func (p *Priority) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return p.set(raw)
}

// UnmarshalYAML accepts a band name ("high") or its number (3).
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return p.set(raw)
}

func (p *Priority) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*p = 0
	case string:
		parsed, err := ParsePriority(v)
		if err != nil {
			return err
		}
		*p = parsed
	case float64:
		*p = Priority(int(v))
	case int:
		*p = Priority(v)
	default:
		return fmt.Errorf("invalid priority %v", raw)
	}
	if *p != 0 && !p.Valid() {
		return fmt.Errorf("priority %d out of range", int(*p))
	}
	return nil
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Name is a human readable label.
	Name string `json:"name"`
	// Module and Action identify the dispatch target.
	Module string `json:"module"`
	Action string `json:"action"`
	// Parameters are passed verbatim to the target.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Priority orders the task inside the dispatch queue.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Resources lists the grants needed before the task may run.
	Resources []ResourceRequirement `json:"resources,omitempty"`
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetryCount is the number of retries performed so far.
	RetryCount int `json:"retry_count,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// SessionID tags the task and its resource grants with the owning session.
	SessionID string `json:"session_id,omitempty"`
	// NoResourceWait lets lower candidates dispatch while this task's
	// resources are saturated. By default a denied task holds its place at
	// the head of the queue and the dispatch round stops.
	NoResourceWait bool `json:"no_resource_wait,omitempty"`
	// BlockedBy names the failed or cancelled dependency that keeps this task unready.
	BlockedBy string `json:"blocked_by,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the first attempt began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is set once the task reaches a terminal state.
	Result *TaskResult `json:"result,omitempty"`
}

// Target returns the "module.action" reference of the task.
func (t *Task) Target() string {
	return t.Module + "." + t.Action
}

// Clone returns a copy that shares no mutable slices or maps with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = CloneParams(t.Parameters)
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Resources != nil {
		c.Resources = make([]ResourceRequirement, len(t.Resources))
		for i, r := range t.Resources {
			c.Resources[i] = r.Clone()
		}
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// TaskResult is the outcome of a task execution.
type TaskResult struct {
	// Success is true when the target returned without error.
	Success bool `json:"success"`
	// Output is the payload returned by the target.
	Output any `json:"output,omitempty"`
	// ErrorKind classifies the failure, empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`
	// Duration is the wall time of the final attempt.
	Duration time.Duration `json:"duration"`
	// Attempts is the number of times the target was invoked.
	Attempts int `json:"attempts"`
}

// CloneParams performs a deep copy of a parameter map.
func CloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
