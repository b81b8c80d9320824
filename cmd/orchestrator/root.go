package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/config"
)

var (
	configPath string
	envFile    string
	debugFlag  bool
	logFormat  string
	jsonOutput bool

	// cfg is loaded once in PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Task and workflow orchestration engine",
	Long: `orchestrator runs tasks and DAG workflows against a registry of
module.action targets, with priority dispatch, retries with backoff and
resource-aware admission.

Sessions group work under one execution mode:
  sequential      one item at a time
  parallel        up to --max-parallel items
  priority        waiting items admitted by priority
  resource_aware  parallel, holding dispatch while resources are saturated

Configuration is read from ~/.config/orchestrator/config.yaml, overridden by
.orchestrator.yaml in the current directory or a parent, then by ORCH_*
environment variables. A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if debugFlag {
			loaded.Logging.Debug = true
		}
		if logFormat != "" {
			loaded.Logging.Format = logFormat
		}
		cfg = loaded
		return cfg.Validate()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before configuration")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: human or json")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadEnvFile applies KEY=VALUE pairs from path without overriding variables
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
