package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide whether to retry,
// surface or ignore them.
type ErrorKind string

const (
	// KindValidation is a malformed task or workflow. Rejected before any state change.
	KindValidation ErrorKind = "validation"
	// KindResourceDenied is transient and never a terminal failure by itself.
	KindResourceDenied ErrorKind = "resource_denied"
	// KindExecution is a failure returned by the dispatch target.
	KindExecution ErrorKind = "execution"
	// KindTimeout is a target that did not return within its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindDependencyUnsatisfiable is a workflow that stalled with steps remaining.
	KindDependencyUnsatisfiable ErrorKind = "dependency_unsatisfiable"
	// KindCancelled is work stopped by a caller or session.
	KindCancelled ErrorKind = "cancelled"
	// KindNotFound is an unknown task, workflow, session or resource.
	KindNotFound ErrorKind = "not_found"
)

// Retryable returns true for kinds the orchestrator retries.
func (k ErrorKind) Retryable() bool {
	return k == KindExecution || k == KindTimeout
}

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrValidation              = errors.New("validation error")
	ErrResourceDenied          = errors.New("resource denied")
	ErrExecution               = errors.New("execution error")
	ErrTimeout                 = errors.New("timeout")
	ErrDependencyUnsatisfiable = errors.New("dependency unsatisfiable")
	ErrCancelled               = errors.New("cancelled")
	ErrNotFound                = errors.New("not found")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:              ErrValidation,
	KindResourceDenied:          ErrResourceDenied,
	KindExecution:               ErrExecution,
	KindTimeout:                 ErrTimeout,
	KindDependencyUnsatisfiable: ErrDependencyUnsatisfiable,
	KindCancelled:               ErrCancelled,
	KindNotFound:                ErrNotFound,
}

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind ErrorKind
	// Op names the operation that failed, e.g. "orchestrator.submit".
	Op  string
	Msg string
	Err error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind around err.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the ErrorKind of err. Context errors map to timeout and
// cancelled; anything else unrecognised is an execution error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindExecution
}
