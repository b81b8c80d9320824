package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/docxology/codomyrmex-sub001/internal/actions"
	"github.com/docxology/codomyrmex-sub001/internal/dispatch"
	"github.com/docxology/codomyrmex-sub001/internal/logging"
	"github.com/docxology/codomyrmex-sub001/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Inspect and validate workflow definitions",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows in the configured directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := catalogManager()
		if err != nil {
			return err
		}
		names := m.List()
		if jsonOutput {
			return printJSON(names)
		}
		if len(names) == 0 {
			fmt.Printf("No workflows in %s\n", cfg.Workflows.Dir)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTEPS\tDESCRIPTION")
		for _, name := range names {
			wf, _ := m.Get(name)
			fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(wf.Steps), truncate(wf.Description, 60))
		}
		return w.Flush()
	},
}

var workflowsValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check definition files without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := workflow.NewManager(nil, workflow.WithTargets(targetRegistry()))
		failed := 0
		for _, path := range args {
			wf, err := workflow.ParseFile(path)
			if err == nil {
				err = m.Validate(wf)
			}
			if err != nil {
				failed++
				printStatus("✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
				continue
			}
			printStatus("✓", fmt.Sprintf("%s: %s (%d steps)", path, wf.Name, len(wf.Steps)), color.FgGreen)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
		}
		return nil
	},
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a stored workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := catalogManager()
		if err != nil {
			return err
		}
		wf, ok := m.Get(args[0])
		if !ok {
			return fmt.Errorf("workflow %q not found in %s", args[0], cfg.Workflows.Dir)
		}
		if jsonOutput {
			return printJSON(wf)
		}
		out, err := yaml.Marshal(wf)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var workflowsTargetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the module.action targets steps can call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := targetRegistry().Targets()
		if jsonOutput {
			return printJSON(targets)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tDESCRIPTION")
		for _, t := range targets {
			fmt.Fprintf(w, "%s\t%s\n", t, t.Description)
		}
		return w.Flush()
	},
}

func init() {
	workflowsCmd.AddCommand(workflowsListCmd)
	workflowsCmd.AddCommand(workflowsValidateCmd)
	workflowsCmd.AddCommand(workflowsShowCmd)
	workflowsCmd.AddCommand(workflowsTargetsCmd)
}

// targetRegistry holds every built-in target, including the opt-in ones,
// so definitions can be checked without enabling them.
func targetRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry()
	_ = actions.Register(reg, actions.Options{
		AllowShell: true,
		LLM:        newCompleter(context.Background(), &cfg.LLM, logging.Nop()),
	})
	return reg
}

// catalogManager loads the configured workflow directory without starting
// an engine.
func catalogManager() (*workflow.Manager, error) {
	m := workflow.NewManager(nil, workflow.WithTargets(targetRegistry()))
	if cfg.Workflows.Dir == "" {
		return m, nil
	}
	if _, err := os.Stat(cfg.Workflows.Dir); os.IsNotExist(err) {
		return m, nil
	}
	if _, err := m.LoadFromDirectory(cfg.Workflows.Dir); err != nil {
		// bad files are reported and the rest still listed
		printStatus("⚠", err.Error(), color.FgYellow)
	}
	return m, nil
}
