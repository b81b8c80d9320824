package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/docxology/codomyrmex-sub001/internal/engine"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

const maxLogLines = 8

// EventMsg carries one engine event into the program.
type EventMsg struct {
	Event engine.Event
}

// DoneMsg signals that the watched execution returned.
type DoneMsg struct {
	Execution *models.WorkflowExecution
	Err       error
}

// sourceClosedMsg is sent when the event channel is closed.
type sourceClosedMsg struct{}

type stepState struct {
	status   models.StepStatus
	attempts int
	err      string
}

// Watch is the bubbletea model for one workflow execution.
type Watch struct {
	workflow string
	order    []string
	steps    map[string]*stepState
	logs     []string

	source <-chan engine.Event

	spinner  spinner.Model
	progress progress.Model
	width    int
	started  time.Time
	now      func() time.Time

	done      bool
	aborted   bool
	execution *models.WorkflowExecution
	err       error
}

// NewWatch creates a view over the steps of def.
func NewWatch(def models.Workflow) *Watch {
	w := &Watch{
		workflow: def.Name,
		steps:    make(map[string]*stepState, len(def.Steps)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(runningStyle)),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		now:      time.Now,
	}
	for _, s := range def.Steps {
		w.order = append(w.order, s.Name)
		w.steps[s.Name] = &stepState{status: models.StepPending}
	}
	w.started = w.now()
	return w
}

// SetSource sets the channel the view reads events from. Call before Run.
func (w *Watch) SetSource(ch <-chan engine.Event) {
	w.source = ch
}

// Aborted reports whether the user quit before the execution returned.
func (w *Watch) Aborted() bool {
	return w.aborted
}

// Init implements tea.Model.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.listen())
}

// listen waits for the next event from the source.
func (w *Watch) listen() tea.Cmd {
	if w.source == nil {
		return nil
	}
	ch := w.source
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return sourceClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update implements tea.Model.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !w.done {
				w.aborted = true
			}
			return w, tea.Quit
		}

	case tea.WindowSizeMsg:
		w.width = msg.Width
		if pw := msg.Width - 20; pw > 10 {
			w.progress.Width = min(pw, 80)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd

	case EventMsg:
		w.apply(msg.Event)
		return w, w.listen()

	case sourceClosedMsg:
		w.source = nil

	case DoneMsg:
		w.done = true
		w.execution = msg.Execution
		w.err = msg.Err
		if msg.Execution != nil {
			for name, r := range msg.Execution.Steps {
				if st, ok := w.steps[name]; ok && r != nil {
					st.status, st.attempts, st.err = r.Status, r.Attempts, r.Error
				}
			}
		}
		return w, tea.Quit
	}
	return w, nil
}

// apply folds one engine event into the view state.
func (w *Watch) apply(ev engine.Event) {
	if name, _ := ev.Payload["workflowName"].(string); name != "" && name != w.workflow {
		return
	}

	switch ev.Name {
	case engine.EventStepUpdated:
		step, _ := ev.Payload["step"].(string)
		st, ok := w.steps[step]
		if !ok {
			return
		}
		if s, _ := ev.Payload["status"].(string); s != "" {
			st.status = models.StepStatus(s)
		}
		if n, ok := ev.Payload["attempts"].(int); ok {
			st.attempts = n
		}
		st.err, _ = ev.Payload["error"].(string)
		w.log(ev.Time, fmt.Sprintf("%s %s", step, st.status))

	case engine.EventWorkflowStarted:
		w.log(ev.Time, "workflow started")

	case engine.EventWorkflowCompleted:
		status, _ := ev.Payload["status"].(string)
		w.log(ev.Time, "workflow "+status)

	case engine.EventTaskFailed:
		errs, _ := ev.Payload["error"].(string)
		if errs != "" {
			w.log(ev.Time, "task failed: "+errs)
		}
	}
}

func (w *Watch) log(at time.Time, line string) {
	if at.IsZero() {
		at = w.now()
	}
	w.logs = append(w.logs, at.Format("15:04:05")+" "+line)
	if len(w.logs) > maxLogLines {
		w.logs = w.logs[len(w.logs)-maxLogLines:]
	}
}

// Fraction returns the share of steps in a terminal state.
func (w *Watch) Fraction() float64 {
	if len(w.order) == 0 {
		return 1
	}
	finished := 0
	for _, st := range w.steps {
		switch st.status {
		case models.StepCompleted, models.StepFailed, models.StepSkipped:
			finished++
		}
	}
	return float64(finished) / float64(len(w.order))
}

// View implements tea.Model.
func (w *Watch) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Workflow " + w.workflow))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("Progress:"))
	b.WriteString(w.progress.ViewAs(w.Fraction()))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Elapsed:"))
	b.WriteString(w.now().Sub(w.started).Round(100 * time.Millisecond).String())
	b.WriteString("\n\n")

	for _, name := range w.order {
		st := w.steps[name]
		b.WriteString(w.icon(st.status))
		b.WriteString(" ")
		b.WriteString(stepNameStyle.Render(name))
		b.WriteString(statusText(st.status))
		if st.attempts > 1 {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d attempts)", st.attempts)))
		}
		if st.err != "" {
			b.WriteString(" ")
			b.WriteString(failedStyle.Render(truncate(st.err, 60)))
		}
		b.WriteString("\n")
	}

	if len(w.logs) > 0 {
		b.WriteString("\n")
		for _, l := range w.logs {
			b.WriteString(dimStyle.Render(l))
			b.WriteString("\n")
		}
	}

	b.WriteString(footerStyle.Render(w.footer()))
	b.WriteString("\n")
	return b.String()
}

func (w *Watch) footer() string {
	switch {
	case w.err != nil:
		return "error: " + w.err.Error()
	case w.done && w.execution != nil:
		return fmt.Sprintf("%s in %s", w.execution.Status, w.execution.Duration().Round(time.Millisecond))
	case w.aborted:
		return "cancelling..."
	default:
		return "q: quit and cancel"
	}
}

func (w *Watch) icon(s models.StepStatus) string {
	switch s {
	case models.StepRunning:
		return w.spinner.View()
	case models.StepCompleted:
		return doneStyle.Render("✓")
	case models.StepFailed:
		return failedStyle.Render("✗")
	case models.StepSkipped:
		return skippedStyle.Render("↷")
	default:
		return dimStyle.Render("·")
	}
}

func statusText(s models.StepStatus) string {
	switch s {
	case models.StepRunning:
		return runningStyle.Render(string(s))
	case models.StepCompleted:
		return doneStyle.Render(string(s))
	case models.StepFailed:
		return failedStyle.Render(string(s))
	case models.StepSkipped:
		return skippedStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
