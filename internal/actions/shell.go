package actions

import (
	"context"
	"fmt"

	"github.com/docxology/codomyrmex-sub001/internal/exec"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

type shellAction struct {
	runner exec.CommandRunner
	dir    string
}

// run executes params["command"] with params["args"], or params["script"]
// through sh -c. Output is the captured Result; a non-zero exit fails the
// task unless "allow_failure" is true.
func (s *shellAction) run(ctx context.Context, params map[string]any) (any, error) {
	const op = "shell.exec"

	dir := s.dir
	if d, ok := stringParam(params, "dir"); ok && d != "" {
		dir = d
	}
	env, err := stringMap(params, "env")
	if err != nil {
		return nil, paramError(op, "%v", err)
	}
	args, err := stringSlice(params, "args")
	if err != nil {
		return nil, paramError(op, "%v", err)
	}
	stdin, _ := stringParam(params, "stdin")

	cmd := exec.Command{Dir: dir, Stdin: stdin}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	script, hasScript := stringParam(params, "script")
	name, hasCommand := stringParam(params, "command")
	switch {
	case hasScript && hasCommand:
		return nil, paramError(op, "set either command or script, not both")
	case hasScript && script != "":
		cmd.Name, cmd.Args = "sh", []string{"-c", script}
	case hasCommand && name != "":
		cmd.Name, cmd.Args = name, args
	default:
		return nil, paramError(op, "command or script is required")
	}

	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		allow, _ := params["allow_failure"].(bool)
		if allow && res.ExitCode > 0 {
			return res, nil
		}
		return nil, models.WrapError(models.KindExecution, op, fmt.Errorf("%w: %s", err, res.Stderr))
	}
	return res, nil
}
