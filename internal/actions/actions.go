// Package actions provides the built-in dispatch targets: core.echo,
// core.sleep, core.fail, shell.exec, http.get and llm.complete.
package actions

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docxology/codomyrmex-sub001/internal/dispatch"
	"github.com/docxology/codomyrmex-sub001/internal/exec"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Options configures the built-in targets. Zero values pick working defaults
// except LLM: without a Completer, llm.complete is not registered.
type Options struct {
	Runner     exec.CommandRunner
	HTTPClient *http.Client
	LLM        Completer
	// ShellDir is the default working directory of shell.exec.
	ShellDir string
	// AllowShell gates shell.exec. Registration is skipped when false.
	AllowShell bool
	Logger     *zap.SugaredLogger
}

type builtin struct {
	module, action, desc string
	h                    dispatch.Handler
}

// Register adds every enabled built-in target to reg.
func Register(reg *dispatch.Registry, opts Options) error {
	log := logging.OrNop(opts.Logger).Named("actions")

	core := &coreActions{}
	targets := []builtin{
		{"core", "echo", "return the message parameter, or all parameters", core.echo},
		{"core", "sleep", "wait for duration, honouring cancellation", core.sleep},
		{"core", "fail", "fail with the given message", core.fail},
	}

	if opts.AllowShell {
		runner := opts.Runner
		if runner == nil {
			runner = exec.NewRunner()
		}
		sh := &shellAction{runner: runner, dir: opts.ShellDir}
		targets = append(targets, builtin{"shell", "exec", "run a command or sh -c script", sh.run})
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	hg := &httpAction{client: client}
	targets = append(targets, builtin{"http", "get", "fetch a URL and return status, headers and body", hg.get})

	if opts.LLM != nil {
		la := &llmAction{llm: opts.LLM}
		targets = append(targets, builtin{"llm", "complete", "send a prompt to the configured model", la.complete})
	}

	for _, t := range targets {
		if err := reg.Register(t.module, t.action, t.h, t.desc); err != nil {
			return err
		}
		log.Debugw("registered target", "target", t.module+"."+t.action)
	}
	return nil
}

func paramError(op, format string, args ...any) error {
	return models.NewError(models.KindValidation, op, format, args...)
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requireString(op string, params map[string]any, key string) (string, error) {
	s, ok := stringParam(params, key)
	if !ok || s == "" {
		return "", paramError(op, "parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("parameter %q must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q must be an integer, got %T", key, v)
	}
}

// durationParam accepts "1.5s" style strings or a number of seconds.
func durationParam(params map[string]any, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	default:
		return 0, fmt.Errorf("parameter %q must be a duration, got %T", key, v)
	}
}

func stringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list, got %T", key, v)
	}
}

func stringMap(params map[string]any, key string) (map[string]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, item := range m {
			out[k] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a map, got %T", key, v)
	}
}
