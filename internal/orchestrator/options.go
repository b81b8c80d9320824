package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/orchestrator/policy"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration, only used during construction.
type orchestratorOptions struct {
	workers      int
	policyConfig *policy.Config
	resources    ResourceAllocator
	logger       *zap.SugaredLogger
	now          func() time.Time
	onComplete   []func(*models.Task)
}

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(o *orchestratorOptions) { o.workers = n }
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithResources sets the allocator consulted before each dispatch.
func WithResources(r ResourceAllocator) Option {
	return func(o *orchestratorOptions) { o.resources = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithClock overrides the time source used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithOnComplete registers a hook called after every terminal transition.
func WithOnComplete(fn func(*models.Task)) Option {
	return func(o *orchestratorOptions) {
		if fn != nil {
			o.onComplete = append(o.onComplete, fn)
		}
	}
}
