// Package tui renders a live view of a running workflow.
//
// The view is read-only. It consumes engine events and shows each step's
// status with a progress bar over the whole execution. Users can only quit
// with 'q' or Ctrl+C, which cancels the run.
//
// Usage:
//
//	events, unsubscribe := eng.Subscribe(64)
//	defer unsubscribe()
//
//	w := tui.NewWatch(def)
//	program := tea.NewProgram(w)
//	go func() {
//	    exec, err := eng.ExecuteWorkflow(ctx, sessionID, def.Name, params)
//	    program.Send(tui.DoneMsg{Execution: exec, Err: err})
//	}()
//	w.SetSource(events)
//	program.Run()
package tui
