package policy

import (
	"testing"
	"time"
)

func TestValidate_Clamps(t *testing.T) {
	c := &Config{
		Workers:   WorkerPolicy{Size: 0},
		Loop:      LoopPolicy{PollInterval: 0},
		Retry:     RetryPolicy{InitialBackoff: -time.Second, Multiplier: 0},
		Execution: ExecutionPolicy{DefaultTimeout: -1},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Workers.Size != 4 {
		t.Errorf("Workers.Size = %d, want 4", c.Workers.Size)
	}
	if c.Loop.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", c.Loop.PollInterval)
	}
	if c.Retry.InitialBackoff != 0 || c.Retry.Multiplier != 2 {
		t.Errorf("Retry = %+v", c.Retry)
	}
	if c.Execution.DefaultTimeout != 0 || c.Execution.CancelGrace != 5*time.Second {
		t.Errorf("Execution = %+v", c.Execution)
	}
}

func TestBackoff(t *testing.T) {
	r := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := r.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := (RetryPolicy{}).Backoff(3); got != 0 {
		t.Errorf("zero policy Backoff = %v, want 0", got)
	}
}
