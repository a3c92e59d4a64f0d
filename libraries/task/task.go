// Package task models a worker-side Task: the unit of work the scheduler
// queues and the executor pool runs, per spec.md §3 and §4.7.
package task

import (
	"sync"
	"time"
)

// Rating buckets a ScanTable by how expensive a full scan of it is,
// driving which ScanScheduler a Task lands in (spec.md §3).
type Rating int

const (
	FASTEST Rating = iota
	FAST
	MEDIUM
	SLOW
	SLOWEST
)

func (r Rating) String() string {
	switch r {
	case FASTEST:
		return "FASTEST"
	case FAST:
		return "FAST"
	case MEDIUM:
		return "MEDIUM"
	case SLOW:
		return "SLOW"
	case SLOWEST:
		return "SLOWEST"
	default:
		return "UNKNOWN"
	}
}

// ScanTable is one table touched by a Task's scan, with its lock-in-memory
// hint and rating.
type ScanTable struct {
	Database     string
	Table        string
	LockInMemory bool
	Rating       Rating
}

// ScanInfo is sorted such that the slowest table comes first; that table's
// rating controls which shared-scan queue admits the Task (spec.md §3).
type ScanInfo struct {
	Tables     []ScanTable
	ScanRating Rating
}

// SlowestTable returns the first (slowest) table, or the zero value if the
// Task touches no scan tables (e.g. a pure director-index lookup).
func (s ScanInfo) SlowestTable() (ScanTable, bool) {
	if len(s.Tables) == 0 {
		return ScanTable{}, false
	}
	return s.Tables[0], true
}

// SubChunks names the sub-chunk tables a Fragment needs materialized
// before it can run.
type SubChunks struct {
	Database string
	Tables   []string
	IDs      []uint32
}

// Fragment is one piece of a Task: a batch of SQL statements writing into
// resultTable, optionally depending on materialized sub-chunks.
type Fragment struct {
	SQLQueries  []string
	ResultTable string
	SubChunks   *SubChunks
}

// State is a Task's lifecycle state (spec.md §3).
type State int

const (
	CREATED State = iota
	QUEUED
	RUNNING
	FINISHED
)

func (s State) String() string {
	switch s {
	case CREATED:
		return "CREATED"
	case QUEUED:
		return "QUEUED"
	case RUNNING:
		return "RUNNING"
	case FINISHED:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Task is a worker-side unit of execution for one chunk of one query.
type Task struct {
	QueryID     uint64
	JobID       uint64
	ChunkID     uint32
	Database    string
	Fragments   []Fragment
	User        string
	ScanInfo    ScanInfo
	Interactive bool

	mu          sync.Mutex
	state       State
	queueTime   time.Time
	startTime   time.Time
	finishTime  time.Time
	cancelled   bool

	SendChannel *SendChannel
}

// New constructs a Task in state CREATED.
func New(queryID, jobID uint64, chunkID uint32, database string, fragments []Fragment, scanInfo ScanInfo, interactive bool) *Task {
	return &Task{
		QueryID:     queryID,
		JobID:       jobID,
		ChunkID:     chunkID,
		Database:    database,
		Fragments:   fragments,
		ScanInfo:    scanInfo,
		Interactive: interactive,
		state:       CREATED,
	}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkQueued transitions CREATED -> QUEUED and timestamps the queue entry.
func (t *Task) MarkQueued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = QUEUED
	t.queueTime = time.Now()
}

// MarkRunning transitions QUEUED -> RUNNING on pop from the scheduler.
func (t *Task) MarkRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = RUNNING
	t.startTime = time.Now()
}

// MarkFinished transitions to FINISHED, on normal completion, cancellation,
// or unrecoverable error alike.
func (t *Task) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = FINISHED
	t.finishTime = time.Now()
}

// Cancel sets the cooperative cancellation flag (spec.md §5) that
// Cancelled reports. Setting it does not stop a running Task, and nothing
// in this module reacts to it by calling TaskQueryRunner.Kill.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Runtime reports how long the Task has been RUNNING, for the scheduler's
// booting inspector.
func (t *Task) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != RUNNING {
		return 0
	}
	return time.Since(t.startTime)
}

// QuerySql is the sequence of SQL statements an executor runs for one Task:
// the sub-chunk create batch, the SELECT fragment(s), and the sub-chunk
// cleanup (spec.md §4.7).
type QuerySql struct {
	Create  []string
	Select  []string
	Cleanup []string
}

// Batches splits Create into sub-batches of at most maxStatements each, to
// bound single-statement length.
func (q QuerySql) Batches(maxStatements int) [][]string {
	if maxStatements <= 0 || len(q.Create) <= maxStatements {
		return [][]string{q.Create}
	}
	var out [][]string
	for i := 0; i < len(q.Create); i += maxStatements {
		end := i + maxStatements
		if end > len(q.Create) {
			end = len(q.Create)
		}
		out = append(out, q.Create[i:end])
	}
	return out
}
