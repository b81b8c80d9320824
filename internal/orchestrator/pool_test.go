package orchestrator

import (
	"sync/atomic"
	"testing"
)

func TestWorkerPool_Bounded(t *testing.T) {
	p := newWorkerPool(2)
	if !p.tryAcquire() || !p.tryAcquire() {
		t.Fatal("expected two free slots")
	}
	if p.tryAcquire() {
		t.Fatal("third acquire should fail on a pool of 2")
	}
	p.release()
	if !p.tryAcquire() {
		t.Fatal("released slot should be reusable")
	}

	var ran atomic.Int32
	block := make(chan struct{})
	p.run(func() { <-block; ran.Add(1) })
	p.run(func() { <-block; ran.Add(1) })
	close(block)
	p.wait()
	if ran.Load() != 2 {
		t.Errorf("ran = %d, want 2", ran.Load())
	}
	if !p.tryAcquire() {
		t.Error("slots should be free after workers return")
	}
}
