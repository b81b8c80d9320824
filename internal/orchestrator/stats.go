package orchestrator

import (
	"time"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// counters are cumulative and survive Clear.
type counters struct {
	completed  int
	failed     int
	cancelled  int
	dispatched int
	retries    int
	// finished counts tasks that ran at least once and reached a terminal state.
	finished  int
	totalExec time.Duration
}

// Stats is a point-in-time summary of the orchestrator.
type Stats struct {
	Pending            int           `json:"pending"`
	Blocked            int           `json:"blocked"`
	Running            int           `json:"running"`
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	Cancelled          int           `json:"cancelled"`
	Dispatched         int           `json:"dispatched"`
	Retries            int           `json:"retries"`
	Queued             int           `json:"queued"`
	Workers            int           `json:"workers"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// Stats returns current counts and execution times.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{
		Running:            len(o.running),
		Completed:          o.counters.completed,
		Failed:             o.counters.failed,
		Cancelled:          o.counters.cancelled,
		Dispatched:         o.counters.dispatched,
		Retries:            o.counters.retries,
		Queued:             o.sched.len(),
		Workers:            o.pool.size,
		TotalExecutionTime: o.counters.totalExec,
	}
	for _, t := range o.tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		s.Pending++
		if t.BlockedBy != "" {
			s.Blocked++
		}
	}
	if o.counters.finished > 0 {
		s.AvgExecutionTime = o.counters.totalExec / time.Duration(o.counters.finished)
	}
	return s
}
