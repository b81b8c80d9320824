package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStreams(t *testing.T) {
	r := NewRunner()
	res, err := r.RunShell(context.Background(), "", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("RunShell: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("result = %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := NewRunner().RunShell(context.Background(), "", "exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRun_DirEnvStdin(t *testing.T) {
	dir := t.TempDir()
	res, err := NewRunner().Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "pwd; echo $GREETING; cat"},
		Dir:   dir,
		Env:   []string{"GREETING=hello"},
		Stdin: "piped",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello") || !strings.Contains(res.Stdout, "piped") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewRunner().RunShell(ctx, "", "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRun_Truncates(t *testing.T) {
	r := &ExecRunner{MaxOutput: 4}
	res, _ := r.RunShell(context.Background(), "", "printf 123456789")
	if !strings.HasPrefix(res.Stdout, "1234") || !strings.Contains(res.Stdout, "truncated") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	if _, err := NewRunner().Run(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty command")
	}
}
