package models

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode is the admission policy of a session.
type ExecutionMode string

const (
	// ModeSequential allows one outstanding task or workflow per session.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel allows up to MaxParallel outstanding items.
	ModeParallel ExecutionMode = "parallel"
	// ModePriority admits waiting items by task priority and never waits on resources.
	ModePriority ExecutionMode = "priority"
	// ModeResourceAware is parallel admission that waits on saturated resources.
	ModeResourceAware ExecutionMode = "resource_aware"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModePriority, ModeResourceAware:
		return true
	default:
		return false
	}
}

// ParseExecutionMode accepts the mode names case-insensitively, with "-" or "_".
func ParseExecutionMode(s string) (ExecutionMode, error) {
	if s == "" {
		return ModeResourceAware, nil
	}
	m := ExecutionMode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !m.Valid() {
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
	return m, nil
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Closed returns true once the session no longer accepts work.
func (s SessionStatus) Closed() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionFailed
}

// Session scopes a set of operations to one resource ledger and mode.
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Mode        ExecutionMode `json:"mode"`
	MaxParallel int           `json:"max_parallel"`
	Status      SessionStatus `json:"status"`
	// Allocations lists the explicit allocations the session still holds.
	Allocations []string      `json:"allocations,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}
