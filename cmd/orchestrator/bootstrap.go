package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/actions"
	"github.com/docxology/codomyrmex-sub001/internal/config"
	"github.com/docxology/codomyrmex-sub001/internal/dispatch"
	"github.com/docxology/codomyrmex-sub001/internal/engine"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/orchestrator"
	"github.com/docxology/codomyrmex-sub001/internal/resource"
	"github.com/docxology/codomyrmex-sub001/internal/state"
	"github.com/docxology/codomyrmex-sub001/internal/workflow"
)

// app is the fully wired engine used by the run commands.
type app struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	registry  *dispatch.Registry
	resources *resource.Manager
	tasks     *orchestrator.Orchestrator
	workflows *workflow.Manager
	engine    *engine.Engine
	db        *state.DB
	stop      context.CancelFunc
}

type appOptions struct {
	allowShell bool
	// skipWorkflows leaves the workflow directory unread.
	skipWorkflows bool
	logger        *zap.SugaredLogger
}

// newApp builds every component from cfg and starts the engine. Close must
// be called to drain running work and release the history database.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	log := opts.logger
	if log == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		log = l
	}
	a := &app{cfg: cfg, log: log}

	a.registry = dispatch.NewRegistry()
	if err := actions.Register(a.registry, actions.Options{
		AllowShell: opts.allowShell,
		LLM:        newCompleter(ctx, &cfg.LLM, log),
		Logger:     log,
	}); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}

	pools, err := resource.LoadOrProbe(cfg.Resources.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	a.resources, err = resource.NewManager(pools,
		resource.WithLogger(log),
		resource.WithPollInterval(cfg.Resources.PollInterval))
	if err != nil {
		return nil, err
	}

	a.tasks = orchestrator.New(a.registry,
		orchestrator.WithPolicy(cfg.Scheduler.Policy()),
		orchestrator.WithResources(a.resources),
		orchestrator.WithLogger(log))

	a.workflows = workflow.NewManager(workflow.NewTaskRunner(a.tasks),
		workflow.WithTargets(a.registry),
		workflow.WithLogger(log))

	mode, err := cfg.Engine.Mode()
	if err != nil {
		return nil, err
	}
	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithDefaultMode(mode),
		engine.WithDefaultMaxParallel(cfg.Engine.DefaultMaxParallel),
	}

	if cfg.State.Enabled {
		db, err := openHistory(cfg.State, log)
		if err != nil {
			return nil, err
		}
		a.db = db
		engineOpts = append(engineOpts, engine.WithRecorder(db))
	}

	a.engine = engine.New(a.tasks, a.workflows, a.resources, engineOpts...)

	runCtx, stop := context.WithCancel(ctx)
	a.stop = stop
	if err := a.engine.Start(runCtx); err != nil {
		a.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	if !opts.skipWorkflows {
		if err := a.loadWorkflows(runCtx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// loadWorkflows reads the configured directory, and watches it when enabled.
// A missing directory only means there are no stored workflows.
func (a *app) loadWorkflows(ctx context.Context) error {
	dir := a.cfg.Workflows.Dir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		a.log.Debugw("workflow directory missing", "dir", dir)
		return nil
	}
	if a.cfg.Workflows.Watch {
		return a.workflows.Watch(ctx, dir)
	}
	n, err := a.workflows.LoadFromDirectory(dir)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	a.log.Debugw("workflows loaded", "dir", dir, "count", n)
	return nil
}

func openHistory(sc config.StateConfig, log *zap.SugaredLogger) (*state.DB, error) {
	path := sc.Path
	if path == "" {
		path = state.DefaultPath()
	}
	db, err := state.OpenWithDriver(sc.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	recovered, err := db.RecoverInterrupted()
	if err != nil {
		log.Warnw("recover interrupted sessions failed", "error", err)
	}
	for _, s := range recovered {
		log.Warnw("closed session left by a dead process",
			logging.KeySession, s.SessionID, "pid", s.OwnerPID)
	}
	return db, nil
}

// newCompleter returns nil when no credentials are configured, which leaves
// llm.complete unregistered.
func newCompleter(ctx context.Context, lc *config.LLMConfig, log *zap.SugaredLogger) actions.Completer {
	if lc.Provider != "bedrock" {
		key, err := lc.ResolveAPIKey()
		if err != nil {
			log.Debugw("llm.complete disabled", "reason", err)
			return nil
		}
		if err := config.ValidateAPIKey(key); err != nil {
			log.Warnw("llm.complete disabled", "error", err, "key", config.MaskAPIKey(key))
			return nil
		}
	}
	c, err := actions.NewAnthropicCompleter(ctx, lc)
	if err != nil {
		log.Warnw("llm.complete disabled", "error", err)
		return nil
	}
	log.Debugw("llm.complete enabled", "backend", c.Describe())
	return c
}

// Close shuts the engine down within the configured timeout.
func (a *app) Close() error {
	var err error
	if a.engine != nil {
		timeout := a.cfg.Engine.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = a.engine.Shutdown(ctx)
		cancel()
	}
	if a.stop != nil {
		a.stop()
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	_ = a.log.Sync()
	return err
}
