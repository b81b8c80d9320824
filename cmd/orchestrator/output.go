package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// printStatus prints a colored status line with a symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskResult(id string, r *models.TaskResult) {
	if r.Success {
		printStatus("✓", fmt.Sprintf("task %s completed in %s (%d attempt%s)", id, formatDuration(r.Duration), r.Attempts, plural(r.Attempts)), color.FgGreen)
		if r.Output != nil {
			fmt.Println(renderOutput(r.Output))
		}
		return
	}
	printStatus("✗", fmt.Sprintf("task %s %s after %d attempt%s: %s", id, r.ErrorKind, r.Attempts, plural(r.Attempts), r.Error), color.FgRed)
}

func printExecution(x *models.WorkflowExecution) {
	switch x.Status {
	case models.ExecutionCompleted:
		printStatus("✓", fmt.Sprintf("workflow %s completed in %s", x.WorkflowName, formatDuration(x.Duration())), color.FgGreen)
	case models.ExecutionAborted:
		printStatus("⚠", fmt.Sprintf("workflow %s aborted after %s", x.WorkflowName, formatDuration(x.Duration())), color.FgYellow)
	default:
		printStatus("✗", fmt.Sprintf("workflow %s %s after %s", x.WorkflowName, x.Status, formatDuration(x.Duration())), color.FgRed)
	}

	names := make([]string, 0, len(x.Steps))
	for name := range x.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := x.Steps[name]
		line := fmt.Sprintf("  %-20s %-10s", name, r.Status)
		if r.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", r.Attempts)
		}
		if r.Error != "" {
			line += " " + r.Error
		}
		switch r.Status {
		case models.StepCompleted:
			color.Green("%s", line)
		case models.StepFailed:
			color.Red("%s", line)
		case models.StepSkipped:
			color.Yellow("%s", line)
		default:
			fmt.Println(line)
		}
	}
}

func renderOutput(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
