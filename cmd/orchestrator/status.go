package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/state"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

var (
	statusLimit    int
	statusUser     string
	purgeOlderThan time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show recorded sessions and executions",
	Long: `Display the history recorded in the state database.

Without arguments, shows status totals, recent sessions and recent workflow
executions. With a session id, shows that session and its tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete history older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistoryForRead()
		if err != nil || db == nil {
			return err
		}
		defer db.Close()
		n, err := db.Purge(purgeOlderThan)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Deleted %d rows older than %s", n, purgeOlderThan), color.FgGreen)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of recent entries to show")
	statusCmd.Flags().StringVar(&statusUser, "user", "", "Only show sessions of this user")
	statusPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Age of rows to delete")
	statusCmd.AddCommand(statusPurgeCmd)
}

// openHistoryForRead opens the configured database. It returns nil, nil when
// history is disabled or nothing has been recorded yet.
func openHistoryForRead() (*state.DB, error) {
	if !cfg.State.Enabled {
		fmt.Println("History is disabled (state.enabled=false).")
		return nil, nil
	}
	path := cfg.State.Path
	if path == "" {
		path = state.DefaultPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No history yet. Run 'orchestrator run task core.echo' to start.")
		return nil, nil
	}
	db, err := state.OpenWithDriver(cfg.State.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openHistoryForRead()
	if err != nil || db == nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return showSession(db, args[0])
	}

	counts, err := db.Summary()
	if err != nil {
		return err
	}
	sessions, err := db.ListSessions(state.SessionFilter{UserID: statusUser, Limit: statusLimit})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	execs, err := db.ListExecutions("", statusLimit)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"counts":     counts,
			"sessions":   sessions,
			"executions": execs,
		})
	}

	fmt.Printf("Sessions:   %s\n", tally(counts.Sessions))
	fmt.Printf("Tasks:      %s\n", tally(counts.Tasks))
	fmt.Printf("Executions: %s\n", tally(counts.Executions))

	if len(sessions) > 0 {
		fmt.Println()
		fmt.Println("Recent Sessions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, s := range sessions {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s ago\n", s.ID, s.UserID, s.Mode, s.Status, formatDuration(time.Since(s.CreatedAt)))
		}
		w.Flush()
	}

	if len(execs) > 0 {
		fmt.Println()
		fmt.Println("Recent Workflows:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, x := range execs {
			took := "-"
			if x.EndedAt != nil {
				took = formatDuration(x.Duration())
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", x.WorkflowName, x.Status, took, x.ID)
		}
		w.Flush()
	}
	return nil
}

func showSession(db *state.DB, id string) error {
	s, err := db.GetSession(id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %s not found", id)
	}
	tasks, err := db.ListTasks(id, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]any{"session": s, "tasks": tasks})
	}

	fmt.Printf("Session:  %s\n", s.ID)
	fmt.Printf("User:     %s\n", s.UserID)
	fmt.Printf("Mode:     %s (max %d)\n", s.Mode, s.MaxParallel)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Created:  %s\n", s.CreatedAt.Local().Format(time.DateTime))
	if s.ClosedAt != nil {
		fmt.Printf("Duration: %s\n", formatDuration(s.ClosedAt.Sub(s.CreatedAt)))
	}
	if len(tasks) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("Tasks:")
	for _, t := range tasks {
		line := fmt.Sprintf("  %-24s %-10s %s", t.Target(), t.Status, formatDuration(t.Duration))
		switch t.Status {
		case models.TaskStatusCompleted:
			color.Green("%s", line)
		case models.TaskStatusFailed:
			color.Red("%s  %s: %s", line, t.ErrorKind, truncate(t.Error, 60))
		default:
			color.Yellow("%s", line)
		}
	}
	return nil
}

// tally renders a status count map as "a=1 b=2" in key order.
func tally[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return out
}
