package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if mode, _ := cfg.Engine.Mode(); mode != models.ModeResourceAware {
		t.Errorf("expected default mode resource_aware, got %q", mode)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.Retry.InitialBackoff != 250*time.Millisecond {
		t.Errorf("expected initial backoff 250ms, got %v", cfg.Scheduler.Retry.InitialBackoff)
	}
	if cfg.Scheduler.CancelGrace != 5*time.Second {
		t.Errorf("expected cancel grace 5s, got %v", cfg.Scheduler.CancelGrace)
	}
	if cfg.State.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.State.Driver)
	}
}

func TestLoadFromPath_MatchesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("XDG_DATA_HOME", tmpDir)
	configPath := filepath.Join(tmpDir, "empty.yaml")
	if err := os.WriteFile(configPath, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	def := Default()
	if cfg.Scheduler != def.Scheduler || cfg.Engine != def.Engine || cfg.State != def.State {
		t.Errorf("viper defaults drifted from Default():\n got %+v\nwant %+v", cfg, def)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
engine:
  default_mode: priority
  default_max_parallel: 8
  session_timeout: 10m
scheduler:
  workers: 2
  poll_interval: 20ms
  retry:
    initial_backoff: 1s
    multiplier: 3
workflows:
  dir: /srv/workflows
  watch: true
state:
  driver: sqlite3
llm:
  provider: bedrock
  api_key: ${TEST_ORCH_KEY}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("TEST_ORCH_KEY", "expanded-value")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if mode, _ := cfg.Engine.Mode(); mode != models.ModePriority {
		t.Errorf("expected mode priority, got %q", mode)
	}
	if cfg.Engine.DefaultMaxParallel != 8 || cfg.Engine.SessionTimeout != 10*time.Minute {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Scheduler.Workers != 2 || cfg.Scheduler.PollInterval != 20*time.Millisecond {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Workflows.Watch || cfg.Workflows.Dir != "/srv/workflows" {
		t.Errorf("workflows = %+v", cfg.Workflows)
	}
	if cfg.LLM.APIKey != "expanded-value" || cfg.LLM.Provider != "bedrock" {
		t.Errorf("llm = %+v", cfg.LLM)
	}

	p := cfg.Scheduler.Policy()
	if p.Workers.Size != 2 || p.Retry.InitialBackoff != time.Second || p.Retry.Multiplier != 3 {
		t.Errorf("policy = %+v", p)
	}
	// Unset in the file, so the default survives.
	if p.Retry.MaxBackoff != 10*time.Second {
		t.Errorf("max backoff = %v, want default 10s", p.Retry.MaxBackoff)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("scheduler:\n  workers: 2\n"), 0644)
	t.Setenv("ORCH_SCHEDULER_WORKERS", "16")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Workers != 16 {
		t.Errorf("workers = %d, want env override 16", cfg.Scheduler.Workers)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad mode", "engine:\n  default_mode: turbo\n"},
		{"bad driver", "state:\n  driver: postgres\n"},
		{"bad provider", "llm:\n  provider: openai\n"},
		{"zero workers", "scheduler:\n  workers: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.content), 0644)
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := Default()
	cfg.Scheduler.Workers = 7
	cfg.Engine.DefaultMode = string(models.ModeSequential)
	cfg.LLM.APIKey = "sk-ant-REDACTED"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "should-not-be-written") {
		t.Error("API key written to config file")
	}
	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Scheduler.Workers != 7 || loaded.Engine.DefaultMode != "sequential" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if dir := getUserConfigDir(); dir != "/custom/config/orchestrator" {
		t.Errorf("expected /custom/config/orchestrator, got %q", dir)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	os.MkdirAll(nested, 0755)
	os.WriteFile(filepath.Join(root, ProjectConfigName), []byte("scheduler:\n  workers: 3\n"), 0644)

	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(prevWD) })

	got := findProjectConfig()
	want, _ := filepath.EvalSymlinks(filepath.Join(root, ProjectConfigName))
	if resolved, _ := filepath.EvalSymlinks(got); resolved != want {
		t.Errorf("findProjectConfig = %q, want %q", got, want)
	}
}
