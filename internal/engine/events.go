package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event names emitted by the engine.
const (
	EventSessionCreated    = "session_created"
	EventSessionClosed     = "session_closed"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventStepUpdated       = "step_updated"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"

	// AllEvents subscribes a handler to every event name.
	AllEvents = "*"
)

// Event is one emitted occurrence.
type Event struct {
	Name    string
	Payload map[string]any
	Time    time.Time
}

// Handler receives events. A returned error is logged and otherwise ignored.
type Handler func(Event) error

type handlerEntry struct {
	id uint64
	fn Handler
}

// bus fans events out to handlers synchronously.
type bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	logger   *zap.SugaredLogger
	// sendTimeout bounds how long Subscribe channels may block an emit.
	sendTimeout time.Duration
	dropped     atomic.Uint64
}

func newBus(logger *zap.SugaredLogger) *bus {
	return &bus{
		handlers:    make(map[string][]handlerEntry),
		logger:      logger,
		sendTimeout: 100 * time.Millisecond,
	}
}

func (b *bus) on(name string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			hs := b.handlers[name]
			for i, h := range hs {
				if h.id == id {
					b.handlers[name] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	hs := append(append([]handlerEntry(nil), b.handlers[ev.Name]...), b.handlers[AllEvents]...)
	b.mu.RUnlock()

	for _, h := range hs {
		if err := b.call(h.fn, ev); err != nil {
			b.logger.Warnw("event handler failed", "event", ev.Name, "error", err)
		}
	}
}

func (b *bus) call(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ev)
}

// subscribe adapts the bus to a buffered channel. When the channel is full
// an event waits up to sendTimeout before it is dropped and counted.
func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.on(AllEvents, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- ev:
			return nil
		default:
		}
		select {
		case ch <- ev:
		case <-time.After(b.sendTimeout):
			count := b.dropped.Add(1)
			if count%10 == 1 {
				b.logger.Warnw("event channel full, dropped event", "event", ev.Name, "total_dropped", count)
			}
		}
		return nil
	})
	cancel := func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
	return ch, cancel
}
