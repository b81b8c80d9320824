package actions

import (
	"context"
	"sync"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

type coreActions struct {
	mu       sync.Mutex
	attempts map[string]int
}

// echo returns params["message"] when present, otherwise every parameter.
func (c *coreActions) echo(_ context.Context, params map[string]any) (any, error) {
	if msg, ok := params["message"]; ok {
		return msg, nil
	}
	return params, nil
}

// sleep waits for params["duration"] and returns the slept time in seconds.
func (c *coreActions) sleep(ctx context.Context, params map[string]any) (any, error) {
	d, err := durationParam(params, "duration")
	if err != nil {
		return nil, paramError("core.sleep", "%v", err)
	}
	if d < 0 {
		return nil, paramError("core.sleep", "negative duration %v", d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": d.Seconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail returns an error of params["kind"] (default execution). With
// "succeed_after": n, calls sharing the same "key" fail n times and then
// succeed, which exercises the retry path.
func (c *coreActions) fail(_ context.Context, params map[string]any) (any, error) {
	msg, _ := stringParam(params, "message")
	if msg == "" {
		msg = "requested failure"
	}

	kind := models.KindExecution
	if k, ok := stringParam(params, "kind"); ok && k != "" {
		kind = models.ErrorKind(k)
	}

	after, err := intParam(params, "succeed_after", -1)
	if err != nil {
		return nil, paramError("core.fail", "%v", err)
	}
	if after >= 0 {
		key, _ := stringParam(params, "key")
		c.mu.Lock()
		if c.attempts == nil {
			c.attempts = make(map[string]int)
		}
		c.attempts[key]++
		n := c.attempts[key]
		c.mu.Unlock()
		if n > after {
			return map[string]any{"attempts": n}, nil
		}
	}
	return nil, models.NewError(kind, "core.fail", "%s", msg)
}
