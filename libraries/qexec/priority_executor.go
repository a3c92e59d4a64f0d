// Package qexec implements the PriorityExecutor described in spec.md §4.1:
// a fixed-size pool of goroutines draining a set of FIFO sub-queues keyed
// by integer priority, each with its own minRunning/maxRunning caps.
//
// The two-pass dispatch loop is the Go rendering of the teacher's
// libraries/utils/async.ActionExecutor idea (a bounded-concurrency action
// runner fed by a channel) generalized to multiple priority classes with
// per-class admission floors and ceilings — something ActionExecutor's
// single FIFO cannot express.
package qexec

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Command is a unit of work submitted to the executor.
type Command func(ctx context.Context)

// QueueSpec configures one priority sub-queue.
type QueueSpec struct {
	Priority   int
	MinRunning int
	MaxRunning int
	// Default marks the sub-queue used by SubmitDefault and by Submit
	// calls naming an unknown priority.
	Default bool
}

type subQueue struct {
	spec    QueueSpec
	fifo    []Command
	running int
}

// ExecutorStats reports, per priority, how many commands are queued and
// running — used by this package's tests asserting the no-leaks invariant
// (spec.md §8 property 2); no other package reads it.
type ExecutorStats struct {
	Priority int
	Queued   int
	Running  int
}

// PriorityExecutor is a fixed-size worker pool with priority-weighted FIFO
// admission.
type PriorityExecutor struct {
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queues    []*subQueue // ascending priority order
	defaultAt int
	shutdown  bool

	wg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPriorityExecutor starts poolSize goroutines dispatching work from the
// given sub-queues. Exactly one QueueSpec must set Default.
func NewPriorityExecutor(poolSize int, specs []QueueSpec, logger *zap.Logger) *PriorityExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]QueueSpec(nil), specs...)
	sortQueueSpecs(sorted)

	ctx, cancel := context.WithCancel(context.Background())
	pe := &PriorityExecutor{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	pe.cond = sync.NewCond(&pe.mu)
	pe.defaultAt = -1
	for i, s := range sorted {
		pe.queues = append(pe.queues, &subQueue{spec: s})
		if s.Default {
			pe.defaultAt = i
		}
	}
	if pe.defaultAt < 0 && len(pe.queues) > 0 {
		pe.defaultAt = 0
	}

	for i := 0; i < poolSize; i++ {
		pe.wg.Add(1)
		go pe.loop()
	}
	return pe
}

func sortQueueSpecs(s []QueueSpec) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Priority < s[j-1].Priority; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (pe *PriorityExecutor) findQueue(priority int) *subQueue {
	for _, q := range pe.queues {
		if q.spec.Priority == priority {
			return q
		}
	}
	return nil
}

// Submit enqueues cmd at the tail of the sub-queue for priority. If
// priority names no configured sub-queue, cmd falls back to the default
// sub-queue and a warning is logged.
func (pe *PriorityExecutor) Submit(cmd Command, priority int) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.shutdown {
		pe.logger.Warn("qexec: submit after shutdown, dropping command")
		return
	}
	q := pe.findQueue(priority)
	if q == nil {
		pe.logger.Warn("qexec: unknown priority, using default queue", zap.Int("priority", priority))
		if pe.defaultAt < 0 {
			return
		}
		q = pe.queues[pe.defaultAt]
	}
	q.fifo = append(q.fifo, cmd)
	pe.cond.Broadcast()
}

// SubmitDefault enqueues cmd on the default sub-queue.
func (pe *PriorityExecutor) SubmitDefault(cmd Command) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.shutdown || pe.defaultAt < 0 {
		return
	}
	q := pe.queues[pe.defaultAt]
	q.fifo = append(q.fifo, cmd)
	pe.cond.Broadcast()
}

// Shutdown refuses further submissions, wakes all idle workers so they can
// observe the shutdown flag, and waits for every in-flight and still-queued
// command to drain. Idempotent and safe to call concurrently.
func (pe *PriorityExecutor) Shutdown() {
	pe.mu.Lock()
	alreadyDown := pe.shutdown
	pe.shutdown = true
	pe.mu.Unlock()
	pe.cond.Broadcast()
	if !alreadyDown {
		pe.wg.Wait()
	} else {
		pe.wg.Wait()
	}
}

func (pe *PriorityExecutor) loop() {
	defer pe.wg.Done()
	for {
		pe.mu.Lock()
		q, cmd := pe.popNextLocked()
		for q == nil {
			if pe.shutdown && pe.allEmptyLocked() {
				pe.mu.Unlock()
				return
			}
			pe.cond.Wait()
			q, cmd = pe.popNextLocked()
		}
		q.running++
		pe.mu.Unlock()

		pe.runCommand(cmd)

		pe.mu.Lock()
		q.running--
		pe.cond.Broadcast()
		pe.mu.Unlock()
	}
}

func (pe *PriorityExecutor) runCommand(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			pe.logger.Error("qexec: command panicked", zap.Any("recover", r))
		}
	}()
	cmd(pe.ctx)
}

// popNextLocked implements the two-pass dispatch algorithm from spec.md
// §4.1. Caller holds pe.mu.
func (pe *PriorityExecutor) popNextLocked() (*subQueue, Command) {
	for _, q := range pe.queues {
		if q.running < q.spec.MinRunning && len(q.fifo) > 0 {
			return pe.popFrom(q)
		}
	}
	for _, q := range pe.queues {
		if q.running < q.spec.MaxRunning && len(q.fifo) > 0 {
			return pe.popFrom(q)
		}
	}
	return nil, nil
}

func (pe *PriorityExecutor) popFrom(q *subQueue) (*subQueue, Command) {
	cmd := q.fifo[0]
	q.fifo = q.fifo[1:]
	return q, cmd
}

func (pe *PriorityExecutor) allEmptyLocked() bool {
	for _, q := range pe.queues {
		if len(q.fifo) > 0 || q.running > 0 {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of queue depth and running count per priority,
// in ascending priority order.
func (pe *PriorityExecutor) Stats() []ExecutorStats {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	out := make([]ExecutorStats, 0, len(pe.queues))
	for _, q := range pe.queues {
		out = append(out, ExecutorStats{Priority: q.spec.Priority, Queued: len(q.fifo), Running: q.running})
	}
	return out
}

// Quiesced reports whether no command is running or queued anywhere,
// used by tests to assert spec.md §8 property 2.
func (pe *PriorityExecutor) Quiesced() bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.allEmptyLocked()
}
