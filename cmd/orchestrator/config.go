package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective configuration.

Without arguments, prints every setting. With a key such as
scheduler.workers, prints that value only. The API key is shown masked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := cfg.Settings()
		if len(args) == 1 {
			v, ok := settings[args[0]]
			if !ok {
				return fmt.Errorf("unknown config key: %s", args[0])
			}
			fmt.Println(v)
			return nil
		}

		key, src := cfg.LLM.APIKeyWithSource()
		if jsonOutput {
			settings["llm.api_key"] = config.MaskAPIKey(key)
			return printJSON(settings)
		}

		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %v\n", k, settings[k])
		}
		fmt.Printf("llm.api_key: %s (%s)\n", config.MaskAPIKey(key), src)
		if src != config.KeySourceNone {
			if err := config.ValidateAPIKey(key); err != nil {
				printStatus("!", err.Error(), color.FgYellow)
			}
		}

		fmt.Println()
		fmt.Printf("user config:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project config: %s\n", p)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		printStatus("✓", "Wrote "+path, color.FgGreen)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
