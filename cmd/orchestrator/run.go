package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/config"
	"github.com/docxology/codomyrmex-sub001/internal/engine"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/tui"
	"github.com/docxology/codomyrmex-sub001/internal/workflow"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

var (
	runMode        string
	runMaxParallel int
	runUser        string
	runTimeout     time.Duration
	runAllowShell  bool
	runParams      []string
	runParamsJSON  string

	taskPriority  string
	taskTimeout   time.Duration
	taskRetries   int
	taskResources []string

	workflowWatch bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task or a workflow in a new session",
	Long: `Run a single task or a workflow inside a fresh session.

The session uses --mode (default from engine.default_mode) and is closed when
the run finishes. Ctrl-C cancels the session and everything it started.

Parameters:
  -p key=value     repeatable; values that parse as JSON keep their type
  --params '{...}' a JSON object, overridden by -p pairs`,
}

var runTaskCmd = &cobra.Command{
	Use:   "task <module.action>",
	Short: "Run one module.action target",
	Example: `  orchestrator run task core.echo -p message=hello
  orchestrator run task http.get -p url=https://example.com --retries 2
  orchestrator run task shell.exec --allow-shell -p script='make test' \
      --resource cpu:cores=2:exclusive`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

var runWorkflowCmd = &cobra.Command{
	Use:   "workflow <name|file>",
	Short: "Run a stored workflow or a definition file",
	Example: `  orchestrator run workflow deploy -p env=staging
  orchestrator run workflow ./pipeline.yaml --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	for _, c := range []*cobra.Command{runTaskCmd, runWorkflowCmd} {
		c.Flags().StringVar(&runMode, "mode", "", "Session mode: sequential, parallel, priority, resource_aware")
		c.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Session concurrency limit (default from config)")
		c.Flags().StringVar(&runUser, "user", "", "Session user (default $USER)")
		c.Flags().DurationVar(&runTimeout, "timeout", 0, "Session timeout (default from config)")
		c.Flags().BoolVar(&runAllowShell, "allow-shell", false, "Register the shell.exec target")
		c.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Parameter as key=value (repeatable)")
		c.Flags().StringVar(&runParamsJSON, "params", "", "Parameters as a JSON object")
	}

	runTaskCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Priority: low, normal, high, critical")
	runTaskCmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "Per-attempt timeout (default from scheduler config)")
	runTaskCmd.Flags().IntVar(&taskRetries, "retries", 0, "Additional attempts after a retryable failure")
	runTaskCmd.Flags().StringArrayVar(&taskResources, "resource", nil, "Resource as type:unit=amount[,unit=amount][:mode] or @id:...")

	runWorkflowCmd.Flags().BoolVar(&workflowWatch, "watch", false, "Show a live view of step progress")

	runCmd.AddCommand(runTaskCmd)
	runCmd.AddCommand(runWorkflowCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// sessionSpec resolves the session flags against the loaded config.
func sessionSpec(c *config.Config) (user string, mode models.ExecutionMode, maxParallel int, timeout time.Duration, err error) {
	mode, err = c.Engine.Mode()
	if err != nil {
		return
	}
	if runMode != "" {
		if mode, err = models.ParseExecutionMode(runMode); err != nil {
			return
		}
	}
	maxParallel = c.Engine.DefaultMaxParallel
	if runMaxParallel > 0 {
		maxParallel = runMaxParallel
	}
	timeout = c.Engine.SessionTimeout
	if runTimeout > 0 {
		timeout = runTimeout
	}
	user = runUser
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "cli"
	}
	return
}

// openSession creates the session used by one run command.
func openSession(a *app) (string, error) {
	user, mode, maxParallel, timeout, err := sessionSpec(a.cfg)
	if err != nil {
		return "", err
	}
	var opts []engine.SessionOption
	if timeout > 0 {
		opts = append(opts, engine.WithSessionTimeout(timeout))
	}
	sid, err := a.engine.CreateSession(user, mode, maxParallel, opts...)
	if err != nil {
		return "", err
	}
	a.log.Debugw("session created", logging.KeySession, sid, "mode", mode, "max_parallel", maxParallel)
	return sid, nil
}

// closeSession closes sid, cancelling it when the run was interrupted.
func closeSession(a *app, sid string, interrupted bool) {
	var err error
	if interrupted {
		err = a.engine.CancelSession(sid)
	} else {
		err = a.engine.CloseSession(sid)
	}
	if err != nil {
		a.log.Debugw("close session", logging.KeySession, sid, "error", err)
	}
}

func runTask(cmd *cobra.Command, args []string) (retErr error) {
	module, action, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	params, err := parseParams(runParams, runParamsJSON)
	if err != nil {
		return err
	}
	prio, err := models.ParsePriority(taskPriority)
	if err != nil {
		return err
	}
	reqs, err := parseResources(taskResources)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{allowShell: runAllowShell, skipWorkflows: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	if !a.registry.Has(module, action) {
		return fmt.Errorf("unknown target %s.%s (see 'orchestrator workflows targets')", module, action)
	}

	sid, err := openSession(a)
	if err != nil {
		return err
	}

	task := &models.Task{
		ID:         uuid.New().String(),
		Name:       module + "." + action,
		Module:     module,
		Action:     action,
		Parameters: params,
		Priority:   prio,
		Resources:  reqs,
		Timeout:    taskTimeout,
		MaxRetries: taskRetries,
	}
	result, err := a.engine.ExecuteTask(ctx, sid, task)
	closeSession(a, sid, ctx.Err() != nil)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(map[string]any{"id": task.ID, "session_id": sid, "result": result}); err != nil {
			return err
		}
	} else {
		printTaskResult(task.ID, result)
	}
	if !result.Success {
		return fmt.Errorf("task failed: %s", result.ErrorKind)
	}
	return nil
}

func runWorkflow(cmd *cobra.Command, args []string) (retErr error) {
	params, err := parseParams(runParams, runParamsJSON)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := appOptions{allowShell: runAllowShell}
	if workflowWatch && cfg.Logging.File == "" {
		// stderr logging would tear the live view
		opts.logger = logging.Nop()
	}
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	name, err := resolveWorkflow(a, args[0])
	if err != nil {
		return err
	}
	def, _ := a.workflows.Get(name)

	sid, err := openSession(a)
	if err != nil {
		return err
	}

	var exec *models.WorkflowExecution
	if workflowWatch {
		exec, err = watchWorkflow(ctx, cancel, a, sid, def, params)
	} else {
		exec, err = a.engine.ExecuteWorkflow(ctx, sid, name, params)
	}
	closeSession(a, sid, ctx.Err() != nil)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(exec); err != nil {
			return err
		}
	} else {
		printExecution(exec)
	}
	if !exec.Success() {
		return fmt.Errorf("workflow %s %s", exec.WorkflowName, exec.Status)
	}
	return nil
}

// resolveWorkflow defines ref from a file when it names one, otherwise it
// must be a workflow loaded from the configured directory.
func resolveWorkflow(a *app, ref string) (string, error) {
	if looksLikeFile(ref) {
		wf, err := workflow.ParseFile(ref)
		if err != nil {
			return "", err
		}
		if err := a.workflows.Define(wf); err != nil {
			return "", err
		}
		return wf.Name, nil
	}
	if _, ok := a.workflows.Get(ref); !ok {
		return "", fmt.Errorf("workflow %q not found in %s", ref, a.cfg.Workflows.Dir)
	}
	return ref, nil
}

func looksLikeFile(ref string) bool {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	_, err := os.Stat(ref)
	return err == nil && strings.ContainsRune(ref, os.PathSeparator)
}

// watchWorkflow runs the execution behind the live view. Quitting the view
// cancels the run.
func watchWorkflow(ctx context.Context, cancel context.CancelFunc, a *app, sid string, def models.Workflow, params map[string]any) (*models.WorkflowExecution, error) {
	events, unsubscribe := a.engine.Subscribe(64)
	defer unsubscribe()

	view := tui.NewWatch(def)
	view.SetSource(events)
	program := tea.NewProgram(view, tea.WithContext(ctx))

	type outcome struct {
		exec *models.WorkflowExecution
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		exec, err := a.engine.ExecuteWorkflow(ctx, sid, def.Name, params)
		program.Send(tui.DoneMsg{Execution: exec, Err: err})
		done <- outcome{exec, err}
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-done
		return nil, fmt.Errorf("live view: %w", err)
	}
	if view.Aborted() {
		cancel()
	}
	out := <-done
	return out.exec, out.err
}
