package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// MaxOutput caps each captured stream in bytes. Zero means unlimited.
	MaxOutput int
}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{MaxOutput: 1 << 20}
}

// Run executes a command and captures stdout and stderr separately.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{ExitCode: -1}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	// Give the process a moment to exit after SIGKILL closes its pipes.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   r.clip(stdout.String()),
		Stderr:   r.clip(stderr.String()),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s exited with status %d", c.Name, res.ExitCode)
	}
	res.ExitCode = -1
	return res, err
}

// RunShell executes a shell command through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, dir string, script string) (Result, error) {
	return r.Run(ctx, Command{Name: "sh", Args: []string{"-c", script}, Dir: dir})
}

func (r *ExecRunner) clip(s string) string {
	if r.MaxOutput > 0 && len(s) > r.MaxOutput {
		return s[:r.MaxOutput] + "\n[output truncated]"
	}
	return s
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
