package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/resource"
)

var resourcesForce bool

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Inspect the resource catalogue",
	Long: `Inspect the resource catalogue used for admission.

The catalogue is read from resources.config_path (JSON or YAML). When that
file is missing the host is probed for CPU, memory and disk capacity.`,
}

var resourcesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List resources and their capacity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := catalogueManager()
		if err != nil {
			return err
		}
		usage, err := m.Usage("")
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(usage)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tCAPACITY\tSTATUS")
		for _, u := range usage {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ResourceID, u.Type, u.Capacity, u.Status)
		}
		return w.Flush()
	},
}

var resourcesHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check resource invariants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := catalogueManager()
		if err != nil {
			return err
		}
		health := m.HealthCheck()
		if jsonOutput {
			return printJSON(health)
		}
		ids := make([]string, 0, len(health))
		for id := range health {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		unhealthy := 0
		for _, id := range ids {
			h := health[id]
			if h.Healthy {
				printStatus("✓", id, color.FgGreen)
				continue
			}
			unhealthy++
			printStatus("✗", id, color.FgRed)
			for _, issue := range h.Issues {
				fmt.Printf("    %s\n", issue)
			}
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d unhealthy resources", unhealthy)
		}
		return nil
	},
}

var resourcesInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a catalogue probed from this host",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Resources.ConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no catalogue path: set resources.config_path or pass one")
		}
		if _, err := os.Stat(path); err == nil && !resourcesForce {
			return fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
		probed := resource.ProbeDefaults()
		if err := resource.SaveCatalogue(path, probed); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Wrote %d resources to %s", len(probed), path), color.FgGreen)
		return nil
	},
}

func init() {
	resourcesInitCmd.Flags().BoolVar(&resourcesForce, "force", false, "Overwrite an existing catalogue")

	resourcesCmd.AddCommand(resourcesShowCmd)
	resourcesCmd.AddCommand(resourcesHealthCmd)
	resourcesCmd.AddCommand(resourcesInitCmd)
}

func catalogueManager() (*resource.Manager, error) {
	pools, err := resource.LoadOrProbe(cfg.Resources.ConfigPath)
	if err != nil {
		return nil, err
	}
	return resource.NewManager(pools)
}
