// Package orchestrator runs tasks from a priority-ordered, dependency-aware
// queue on a bounded worker pool, acquiring resources before each dispatch.
//
// A task moves through pending, running and one terminal state: completed,
// failed or cancelled. Dependents of a failed or cancelled task stay pending
// with BlockedBy set; they never run. Retryable failures (execution and
// timeout kinds) are retried with exponential backoff up to MaxRetries.
//
// Example usage:
//
//	reg := dispatch.NewRegistry()
//	reg.MustRegister("core", "echo", echo)
//
//	o := orchestrator.New(reg, orchestrator.WithWorkers(4))
//	if err := o.Start(ctx); err != nil {
//		return err
//	}
//	defer o.Stop()
//
//	id, _ := o.Submit(&models.Task{Name: "hello", Module: "core", Action: "echo"})
//	result, err := o.Await(ctx, id)
package orchestrator
