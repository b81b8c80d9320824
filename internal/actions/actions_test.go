package actions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docxology/codomyrmex-sub001/internal/dispatch"
	"github.com/docxology/codomyrmex-sub001/internal/exec"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

type fakeCompleter struct {
	got Prompt
	err error
}

func (f *fakeCompleter) Complete(_ context.Context, p Prompt) (Completion, error) {
	f.got = p
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: "reply to " + p.User, Model: "fake", InputTokens: 3, OutputTokens: 4}, nil
}

type fakeRunner struct {
	got exec.Command
	res exec.Result
	err error
}

func (f *fakeRunner) Run(_ context.Context, c exec.Command) (exec.Result, error) {
	f.got = c
	return f.res, f.err
}

func (f *fakeRunner) RunShell(ctx context.Context, dir, script string) (exec.Result, error) {
	return f.Run(ctx, exec.Command{Name: "sh", Args: []string{"-c", script}, Dir: dir})
}

func setupRegistry(t *testing.T, opts Options) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	if err := Register(reg, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegister_Targets(t *testing.T) {
	minimal := setupRegistry(t, Options{})
	for _, target := range [][2]string{{"core", "echo"}, {"core", "sleep"}, {"core", "fail"}, {"http", "get"}} {
		if !minimal.Has(target[0], target[1]) {
			t.Errorf("%s.%s not registered", target[0], target[1])
		}
	}
	if minimal.Has("shell", "exec") || minimal.Has("llm", "complete") {
		t.Error("shell.exec and llm.complete must be opt-in")
	}

	full := setupRegistry(t, Options{AllowShell: true, LLM: &fakeCompleter{}})
	if !full.Has("shell", "exec") || !full.Has("llm", "complete") {
		t.Error("opt-in targets missing")
	}
	if err := Register(full, Options{}); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestCoreEcho(t *testing.T) {
	reg := setupRegistry(t, Options{})
	out, err := reg.Invoke(context.Background(), "core", "echo", map[string]any{"message": "hi"})
	if err != nil || out != "hi" {
		t.Errorf("echo = %v, %v", out, err)
	}

	out, _ = reg.Invoke(context.Background(), "core", "echo", map[string]any{"a": 1.0})
	if m, ok := out.(map[string]any); !ok || m["a"] != 1.0 {
		t.Errorf("echo without message = %v", out)
	}
}

func TestCoreSleep(t *testing.T) {
	reg := setupRegistry(t, Options{})

	out, err := reg.Invoke(context.Background(), "core", "sleep", map[string]any{"duration": "10ms"})
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if out.(map[string]any)["slept"] != 0.01 {
		t.Errorf("sleep output = %v", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = reg.Invoke(ctx, "core", "sleep", map[string]any{"duration": 5.0})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep ignored cancellation")
	}

	_, err = reg.Invoke(context.Background(), "core", "sleep", map[string]any{"duration": "soon"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad duration err = %v, want validation", err)
	}
}

func TestCoreFail(t *testing.T) {
	reg := setupRegistry(t, Options{})

	_, err := reg.Invoke(context.Background(), "core", "fail", map[string]any{"message": "boom"})
	if !errors.Is(err, models.ErrExecution) || !strings.Contains(err.Error(), "boom") {
		t.Errorf("fail = %v", err)
	}

	_, err = reg.Invoke(context.Background(), "core", "fail", map[string]any{"kind": "timeout"})
	if models.KindOf(err) != models.KindTimeout {
		t.Errorf("kind = %s, want timeout", models.KindOf(err))
	}

	params := map[string]any{"succeed_after": 2.0, "key": "flaky"}
	for i := 0; i < 2; i++ {
		if _, err := reg.Invoke(context.Background(), "core", "fail", params); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}
	out, err := reg.Invoke(context.Background(), "core", "fail", params)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if out.(map[string]any)["attempts"] != 3 {
		t.Errorf("output = %v", out)
	}
}

func TestShellExec(t *testing.T) {
	runner := &fakeRunner{res: exec.Result{Stdout: "ok\n"}}
	reg := setupRegistry(t, Options{AllowShell: true, Runner: runner, ShellDir: "/work"})

	out, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{
		"command": "ls",
		"args":    []any{"-l", "/tmp"},
		"env":     map[string]any{"A": "1"},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out.(exec.Result).Stdout != "ok\n" {
		t.Errorf("output = %v", out)
	}
	if runner.got.Name != "ls" || len(runner.got.Args) != 2 || runner.got.Dir != "/work" {
		t.Errorf("command = %+v", runner.got)
	}
	if len(runner.got.Env) != 1 || runner.got.Env[0] != "A=1" {
		t.Errorf("env = %v", runner.got.Env)
	}

	if _, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{"script": "echo", "command": "ls"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("both set err = %v", err)
	}
	if _, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty err = %v", err)
	}
}

func TestShellExec_ExitCode(t *testing.T) {
	runner := &fakeRunner{res: exec.Result{ExitCode: 2, Stderr: "nope"}, err: errors.New("exited with status 2")}
	reg := setupRegistry(t, Options{AllowShell: true, Runner: runner})

	_, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{"script": "false"})
	if !errors.Is(err, models.ErrExecution) || !strings.Contains(err.Error(), "nope") {
		t.Errorf("err = %v", err)
	}

	out, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{"script": "false", "allow_failure": true})
	if err != nil || out.(exec.Result).ExitCode != 2 {
		t.Errorf("allow_failure = %v, %v", out, err)
	}
	if runner.got.Name != "sh" || runner.got.Args[1] != "false" {
		t.Errorf("script command = %+v", runner.got)
	}
}

func TestShellExec_Real(t *testing.T) {
	reg := setupRegistry(t, Options{AllowShell: true})
	out, err := reg.Invoke(context.Background(), "shell", "exec", map[string]any{"script": "echo $X", "env": map[string]any{"X": "42"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(out.(exec.Result).Stdout) != "42" {
		t.Errorf("stdout = %q", out.(exec.Result).Stdout)
	}
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"q":"` + r.URL.Query().Get("q") + `","auth":"` + r.Header.Get("X-Token") + `"}`))
		case "/text":
			w.Write([]byte("plain"))
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	reg := setupRegistry(t, Options{HTTPClient: srv.Client()})
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "http", "get", map[string]any{
		"url":     srv.URL + "/json",
		"query":   map[string]any{"q": "go"},
		"headers": map[string]any{"X-Token": "t"},
	})
	if err != nil {
		t.Fatalf("get json: %v", err)
	}
	res := out.(map[string]any)
	body := res["body"].(map[string]any)
	if res["status"] != 200 || body["q"] != "go" || body["auth"] != "t" {
		t.Errorf("json response = %v", res)
	}

	out, err = reg.Invoke(ctx, "http", "get", map[string]any{"url": srv.URL + "/text"})
	if err != nil || out.(map[string]any)["body"] != "plain" {
		t.Errorf("text response = %v, %v", out, err)
	}

	tests := []struct {
		path string
		want error
	}{
		{"/missing", models.ErrValidation},
		{"/broken", models.ErrExecution},
	}
	for _, tt := range tests {
		_, err := reg.Invoke(ctx, "http", "get", map[string]any{"url": srv.URL + tt.path})
		if !errors.Is(err, tt.want) {
			t.Errorf("%s err = %v, want %v", tt.path, err, tt.want)
		}
	}

	if _, err := reg.Invoke(ctx, "http", "get", map[string]any{"url": "ftp://x"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad scheme err = %v", err)
	}
}

func TestLLMComplete(t *testing.T) {
	llm := &fakeCompleter{}
	reg := setupRegistry(t, Options{LLM: llm})

	out, err := reg.Invoke(context.Background(), "llm", "complete", map[string]any{
		"prompt":      "hello",
		"system":      "be brief",
		"max_tokens":  64.0,
		"temperature": 0.2,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.(Completion).Text != "reply to hello" {
		t.Errorf("output = %+v", out)
	}
	if llm.got.System != "be brief" || llm.got.MaxTokens != 64 || llm.got.Temperature == nil || *llm.got.Temperature != 0.2 {
		t.Errorf("prompt = %+v", llm.got)
	}

	for _, params := range []map[string]any{
		{},
		{"prompt": "x", "temperature": 3.0},
		{"prompt": "x", "max_tokens": 1.5},
	} {
		if _, err := reg.Invoke(context.Background(), "llm", "complete", params); !errors.Is(err, models.ErrValidation) {
			t.Errorf("params %v: err = %v, want validation", params, err)
		}
	}

	llm.err = models.NewError(models.KindExecution, "llm.complete", "overloaded")
	if _, err := reg.Invoke(context.Background(), "llm", "complete", map[string]any{"prompt": "x"}); !errors.Is(err, models.ErrExecution) {
		t.Errorf("err = %v, want execution", err)
	}
}

func TestAnthropicCompleter_BedrockModel(t *testing.T) {
	a := &AnthropicCompleter{model: "claude-sonnet-4-5", bedrock: true}
	if got := a.resolveModel(""); got != "us.anthropic.claude-sonnet-4-5-20250929-v1:0" {
		t.Errorf("bedrock model = %q", got)
	}
	if got := a.resolveModel("custom-profile"); got != "custom-profile" {
		t.Errorf("unknown model = %q, want passthrough", got)
	}
	if d := a.Describe(); !strings.HasPrefix(d, "bedrock/") {
		t.Errorf("Describe = %q", d)
	}

	direct := &AnthropicCompleter{model: "claude-sonnet-4-5"}
	if got := direct.resolveModel(""); got != "claude-sonnet-4-5" {
		t.Errorf("direct model = %q", got)
	}
}
