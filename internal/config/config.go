// Package config handles configuration loading for the orchestrator.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/orchestrator/policy"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// EnvPrefix prefixes environment overrides, e.g. ORCH_SCHEDULER_WORKERS.
const EnvPrefix = "ORCH"

// ProjectConfigName is the per-project override file searched upward from
// the working directory.
const ProjectConfigName = ".orchestrator.yaml"

// Config holds all configuration for the orchestrator.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
	State     StateConfig     `mapstructure:"state"`
	Logging   logging.Config  `mapstructure:"logging"`
	LLM       LLMConfig       `mapstructure:"llm"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// EngineConfig holds session defaults.
type EngineConfig struct {
	DefaultMode        string        `mapstructure:"default_mode"`
	DefaultMaxParallel int           `mapstructure:"default_max_parallel"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig holds the orchestrator policy.
type SchedulerConfig struct {
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig holds retry backoff settings.
type RetryConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// ResourcesConfig locates the resource catalogue.
type ResourcesConfig struct {
	// ConfigPath is a JSON or YAML catalogue. Missing means probe the host.
	ConfigPath   string        `mapstructure:"config_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WorkflowsConfig locates workflow definitions.
type WorkflowsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// StateConfig controls the history database.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// LLMConfig configures the llm.complete action.
type LLMConfig struct {
	// Provider is "anthropic" or "bedrock".
	Provider  string `mapstructure:"provider"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	AWSRegion string `mapstructure:"aws_region"`
}

// TUIConfig holds live view settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Policy converts the scheduler section into an orchestrator policy.
func (s SchedulerConfig) Policy() *policy.Config {
	p := policy.Default()
	p.Workers.Size = s.Workers
	p.Loop.PollInterval = s.PollInterval
	p.Execution.DefaultTimeout = s.DefaultTimeout
	p.Execution.CancelGrace = s.CancelGrace
	p.Retry.InitialBackoff = s.Retry.InitialBackoff
	p.Retry.MaxBackoff = s.Retry.MaxBackoff
	p.Retry.Multiplier = s.Retry.Multiplier
	_ = p.Validate()
	return p
}

// Mode parses the default session mode.
func (e EngineConfig) Mode() (models.ExecutionMode, error) {
	return models.ParseExecutionMode(e.DefaultMode)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ORCH_*, ANTHROPIC_API_KEY)
// 2. Project config (.orchestrator.yaml in current directory or parent)
// 3. User config (~/.config/orchestrator/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still honouring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("llm.aws_region", EnvPrefix+"_LLM_AWS_REGION", "AWS_REGION")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.LLM.APIKey = os.ExpandEnv(cfg.LLM.APIKey)
	cfg.State.Path = expandHome(cfg.State.Path)
	cfg.Workflows.Dir = expandHome(cfg.Workflows.Dir)
	cfg.Resources.ConfigPath = expandHome(cfg.Resources.ConfigPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if _, err := c.Engine.Mode(); err != nil {
		return fmt.Errorf("engine.default_mode: %w", err)
	}
	if c.Engine.DefaultMaxParallel < 1 {
		return fmt.Errorf("engine.default_max_parallel must be >= 1")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1")
	}
	switch c.State.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("state.driver must be sqlite or sqlite3, got %q", c.State.Driver)
	}
	switch c.LLM.Provider {
	case "anthropic", "bedrock":
	default:
		return fmt.Errorf("llm.provider must be anthropic or bedrock, got %q", c.LLM.Provider)
	}
	switch c.Logging.Format {
	case "", "json", "human":
	default:
		return fmt.Errorf("logging.format must be json or human, got %q", c.Logging.Format)
	}
	return nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, val := range cfg.Settings() {
		v.Set(key, val)
	}
	return v.WriteConfig()
}

// Settings flattens cfg into dotted keys. The API key is never included.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"engine.default_mode":             c.Engine.DefaultMode,
		"engine.default_max_parallel":     c.Engine.DefaultMaxParallel,
		"engine.session_timeout":          c.Engine.SessionTimeout.String(),
		"engine.shutdown_timeout":         c.Engine.ShutdownTimeout.String(),
		"scheduler.workers":               c.Scheduler.Workers,
		"scheduler.poll_interval":         c.Scheduler.PollInterval.String(),
		"scheduler.default_timeout":       c.Scheduler.DefaultTimeout.String(),
		"scheduler.cancel_grace":          c.Scheduler.CancelGrace.String(),
		"scheduler.retry.initial_backoff": c.Scheduler.Retry.InitialBackoff.String(),
		"scheduler.retry.max_backoff":     c.Scheduler.Retry.MaxBackoff.String(),
		"scheduler.retry.multiplier":      c.Scheduler.Retry.Multiplier,
		"resources.config_path":           c.Resources.ConfigPath,
		"resources.poll_interval":         c.Resources.PollInterval.String(),
		"workflows.dir":                   c.Workflows.Dir,
		"workflows.watch":                 c.Workflows.Watch,
		"state.enabled":                   c.State.Enabled,
		"state.path":                      c.State.Path,
		"state.driver":                    c.State.Driver,
		"logging.debug":                   c.Logging.Debug,
		"logging.format":                  c.Logging.Format,
		"logging.file":                    c.Logging.File,
		"llm.provider":                    c.LLM.Provider,
		"llm.model":                       c.LLM.Model,
		"llm.max_tokens":                  c.LLM.MaxTokens,
		"llm.aws_region":                  c.LLM.AWSRegion,
		"tui.refresh_rate":                c.TUI.RefreshRate.String(),
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values. Default() mirrors these.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.default_mode", string(models.ModeResourceAware))
	v.SetDefault("engine.default_max_parallel", 4)
	v.SetDefault("engine.session_timeout", "0s")
	v.SetDefault("engine.shutdown_timeout", "30s")

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.poll_interval", "100ms")
	v.SetDefault("scheduler.default_timeout", "0s")
	v.SetDefault("scheduler.cancel_grace", "5s")
	v.SetDefault("scheduler.retry.initial_backoff", "250ms")
	v.SetDefault("scheduler.retry.max_backoff", "10s")
	v.SetDefault("scheduler.retry.multiplier", 2.0)

	v.SetDefault("resources.config_path", filepath.Join(getUserConfigDir(), "resources.json"))
	v.SetDefault("resources.poll_interval", "50ms")

	v.SetDefault("workflows.dir", "workflows")
	v.SetDefault("workflows.watch", false)

	v.SetDefault("state.enabled", true)
	v.SetDefault("state.path", defaultStatePath())
	v.SetDefault("state.driver", "sqlite")

	v.SetDefault("logging.debug", false)
	v.SetDefault("logging.format", "human")
	v.SetDefault("logging.file", "")

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.aws_region", "us-east-1")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultMode:        string(models.ModeResourceAware),
			DefaultMaxParallel: 4,
			ShutdownTimeout:    30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:      4,
			PollInterval: 100 * time.Millisecond,
			CancelGrace:  5 * time.Second,
			Retry: RetryConfig{
				InitialBackoff: 250 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				Multiplier:     2,
			},
		},
		Resources: ResourcesConfig{
			ConfigPath:   filepath.Join(getUserConfigDir(), "resources.json"),
			PollInterval: 50 * time.Millisecond,
		},
		Workflows: WorkflowsConfig{Dir: "workflows"},
		State: StateConfig{
			Enabled: true,
			Path:    defaultStatePath(),
			Driver:  "sqlite",
		},
		Logging: logging.Default(),
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
			AWSRegion: "us-east-1",
		},
		TUI: TUIConfig{RefreshRate: 100 * time.Millisecond},
	}
}

// getUserConfigDir returns the XDG config directory for the orchestrator.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchestrator")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchestrator")
	}
	return filepath.Join(home, ".config", "orchestrator")
}

func defaultStatePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "orchestrator", "history.db")
}

// findProjectConfig searches for .orchestrator.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
