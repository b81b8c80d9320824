// Package exec runs external commands for the shell.exec action.
package exec

import (
	"context"
	"time"
)

// Command describes one process invocation.
type Command struct {
	// Name is the program, resolved through PATH.
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries are appended to the parent environment as KEY=VALUE.
	Env []string
	// Stdin is written to the process when non-empty.
	Stdin string
}

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and waits for it. A non-zero exit is reported in
	// Result.ExitCode together with a non-nil error.
	Run(ctx context.Context, cmd Command) (Result, error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, dir string, script string) (Result, error)
}
