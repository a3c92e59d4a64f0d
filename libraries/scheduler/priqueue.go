// Package scheduler implements WorkerTaskScheduler (spec.md §4.5): the
// BlendScheduler composing an interactive queue, one ScanScheduler per scan
// rating, and a snail queue behind a uniform Scheduler interface.
package scheduler

import "github.com/lsst/qserv-sub025/libraries/task"

// Scheduler is the uniform interface every sub-scheduler implements, per
// spec.md §9's "queue, getCmd, commandStart, commandFinish" design note
// (renamed to idiomatic Go verbs).
type Scheduler interface {
	Queue(t *task.Task) error
	Ready() *task.Task
	TaskFinished(t *task.Task)
	MinRunning() int
	MaxRunning() int
	Running() int
	Len() int

	// RemoveQuery pulls every still-queued Task belonging to queryID out
	// of this sub-scheduler and returns them, for BlendScheduler's
	// per-query boot ceiling (spec.md §4.5).
	RemoveQuery(queryID uint64) []*task.Task
}

// PriQueueScheduler is a plain FIFO sub-scheduler used for the interactive
// and snail queues (spec.md §4.5's SchedulerPriQueue).
type PriQueueScheduler struct {
	Priority   int
	minRunning int
	maxRunning int
	running    int
	fifo       []*task.Task
}

// NewPriQueueScheduler builds a FIFO-backed sub-scheduler.
func NewPriQueueScheduler(priority, minRunning, maxRunning int) *PriQueueScheduler {
	return &PriQueueScheduler{Priority: priority, minRunning: minRunning, maxRunning: maxRunning}
}

func (q *PriQueueScheduler) Queue(t *task.Task) error {
	t.MarkQueued()
	q.fifo = append(q.fifo, t)
	return nil
}

func (q *PriQueueScheduler) Ready() *task.Task {
	if len(q.fifo) == 0 {
		return nil
	}
	t := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.running++
	t.MarkRunning()
	return t
}

func (q *PriQueueScheduler) TaskFinished(t *task.Task) {
	if q.running > 0 {
		q.running--
	}
}

func (q *PriQueueScheduler) RemoveQuery(queryID uint64) []*task.Task {
	var removed, keep []*task.Task
	for _, t := range q.fifo {
		if t.QueryID == queryID {
			removed = append(removed, t)
		} else {
			keep = append(keep, t)
		}
	}
	q.fifo = keep
	return removed
}

func (q *PriQueueScheduler) MinRunning() int { return q.minRunning }
func (q *PriQueueScheduler) MaxRunning() int { return q.maxRunning }
func (q *PriQueueScheduler) Running() int    { return q.running }
func (q *PriQueueScheduler) Len() int        { return len(q.fifo) }
