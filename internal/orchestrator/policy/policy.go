// Package policy defines the tunable parameters of the task orchestrator.
// Magic numbers for polling, worker sizing, retry backoff and cancellation
// live here so they can be configured and overridden in tests.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Workers controls the execution pool.
	Workers WorkerPolicy

	// Loop controls the dispatch loop.
	Loop LoopPolicy

	// Retry controls the delay between attempts of a failing task.
	Retry RetryPolicy

	// Execution controls per-task deadlines and cancellation.
	Execution ExecutionPolicy
}

// WorkerPolicy controls the bounded worker pool.
type WorkerPolicy struct {
	// Size is the number of tasks that may execute at once.
	Size int
}

// LoopPolicy controls dispatch loop behavior.
type LoopPolicy struct {
	// PollInterval is the delay between scans when nothing could be dispatched.
	PollInterval time.Duration
}

// RetryPolicy controls exponential backoff between attempts.
// An InitialBackoff of zero retries immediately.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// ExecutionPolicy controls task deadlines.
type ExecutionPolicy struct {
	// DefaultTimeout applies to tasks that declare no timeout. Zero disables.
	DefaultTimeout time.Duration

	// CancelGrace is how long a cancelled running task may take to return
	// before its worker is released.
	CancelGrace time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Workers: WorkerPolicy{
			Size: 4,
		},
		Loop: LoopPolicy{
			PollInterval: 100 * time.Millisecond,
		},
		Retry: RetryPolicy{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
		Execution: ExecutionPolicy{
			DefaultTimeout: 0,
			CancelGrace:    5 * time.Second,
		},
	}
}

// Backoff returns the delay before retry number n (1-based).
func (r RetryPolicy) Backoff(n int) time.Duration {
	if r.InitialBackoff <= 0 || n < 1 {
		return 0
	}
	d := float64(r.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= r.Multiplier
		if r.MaxBackoff > 0 && time.Duration(d) >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Validate clamps policy values into acceptable ranges.
func (c *Config) Validate() error {
	if c.Workers.Size < 1 {
		c.Workers.Size = 4
	}
	if c.Loop.PollInterval < time.Millisecond {
		c.Loop.PollInterval = 100 * time.Millisecond
	}
	if c.Retry.InitialBackoff < 0 {
		c.Retry.InitialBackoff = 0
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		c.Retry.MaxBackoff = c.Retry.InitialBackoff
	}
	if c.Execution.DefaultTimeout < 0 {
		c.Execution.DefaultTimeout = 0
	}
	if c.Execution.CancelGrace <= 0 {
		c.Execution.CancelGrace = 5 * time.Second
	}
	return nil
}
