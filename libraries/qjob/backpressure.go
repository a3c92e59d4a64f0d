package qjob

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WorkerThrottle bounds the number of in-flight Requests per worker to K,
// per spec.md §4.4's back-pressure rule.
type WorkerThrottle struct {
	k int

	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	inFlight map[string]int64
}

// NewWorkerThrottle bounds concurrent in-flight requests to k per worker.
func NewWorkerThrottle(k int) *WorkerThrottle {
	return &WorkerThrottle{
		k:        k,
		sems:     make(map[string]*semaphore.Weighted),
		inFlight: make(map[string]int64),
	}
}

func (t *WorkerThrottle) semFor(worker string) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sems[worker]
	if !ok {
		s = semaphore.NewWeighted(int64(t.k))
		t.sems[worker] = s
	}
	return s
}

// Acquire blocks until a slot for worker is available or ctx is done.
func (t *WorkerThrottle) Acquire(ctx context.Context, worker string) error {
	if err := t.semFor(worker).Acquire(ctx, 1); err != nil {
		return err
	}
	t.mu.Lock()
	t.inFlight[worker]++
	t.mu.Unlock()
	return nil
}

// Release frees a slot for worker, making room for the next queued item.
func (t *WorkerThrottle) Release(worker string) {
	t.mu.Lock()
	t.inFlight[worker]--
	t.mu.Unlock()
	t.semFor(worker).Release(1)
}

// InFlight reports the number of slots currently held for worker, used by
// tests asserting spec.md §8 scenario S5 ("sum of in-flight requests per
// worker is <= K").
func (t *WorkerThrottle) InFlight(worker string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[worker]
}
