// Package dispatch maps (module, action) pairs to typed handlers.
package dispatch

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Handler executes one target. Output is opaque to the engine.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Target is a registered (module, action) pair.
type Target struct {
	Module      string
	Action      string
	Description string
}

func (t Target) String() string {
	return t.Module + "." + t.Action
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	targets  map[string]Target
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		targets:  make(map[string]Target),
	}
}

// Register adds a handler. Module and action must be lowercase identifiers
// and the pair must not already be registered.
func (r *Registry) Register(module, action string, h Handler, description ...string) error {
	if !namePattern.MatchString(module) {
		return models.NewError(models.KindValidation, "dispatch.register", "invalid module name %q", module)
	}
	if !namePattern.MatchString(action) {
		return models.NewError(models.KindValidation, "dispatch.register", "invalid action name %q", action)
	}
	if h == nil {
		return models.NewError(models.KindValidation, "dispatch.register", "nil handler for %s.%s", module, action)
	}

	key := module + "." + action
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return models.NewError(models.KindValidation, "dispatch.register", "%s already registered", key)
	}
	t := Target{Module: module, Action: action}
	if len(description) > 0 {
		t.Description = description[0]
	}
	r.handlers[key] = h
	r.targets[key] = t
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(module, action string, h Handler, description ...string) {
	if err := r.Register(module, action, h, description...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for module.action.
func (r *Registry) Lookup(module, action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[module+"."+action]
	return h, ok
}

// Has reports whether module.action is registered.
func (r *Registry) Has(module, action string) bool {
	_, ok := r.Lookup(module, action)
	return ok
}

// Validate returns a validation error when module.action is unknown.
func (r *Registry) Validate(module, action string) error {
	if module == "" || action == "" {
		return models.NewError(models.KindValidation, "dispatch.validate", "empty target %q", module+"."+action)
	}
	if !r.Has(module, action) {
		return models.NewError(models.KindValidation, "dispatch.validate", "unknown target %s.%s", module, action)
	}
	return nil
}

// Invoke calls the handler for module.action.
func (r *Registry) Invoke(ctx context.Context, module, action string, params map[string]any) (any, error) {
	h, ok := r.Lookup(module, action)
	if !ok {
		return nil, models.NewError(models.KindNotFound, "dispatch.invoke", "unknown target %s.%s", module, action)
	}
	return invokeSafe(ctx, h, params)
}

// Targets returns every registered target sorted by name.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// invokeSafe turns a handler panic into an execution error.
func invokeSafe(ctx context.Context, h Handler, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewError(models.KindExecution, "dispatch.invoke", "handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}
