package orchestrator

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many tasks execute at once. The dispatch loop only
// ever calls tryAcquire so it never blocks on a full pool.
type workerPool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// tryAcquire reserves a worker slot without blocking.
func (p *workerPool) tryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	return true
}

// release returns a slot reserved by tryAcquire that was never used.
func (p *workerPool) release() {
	p.sem.Release(1)
	p.wg.Done()
}

// run executes fn on a reserved slot and frees the slot when fn returns.
func (p *workerPool) run(fn func()) {
	go func() {
		defer p.release()
		fn()
	}()
}

// wait blocks until every running worker has returned.
func (p *workerPool) wait() {
	p.wg.Wait()
}
