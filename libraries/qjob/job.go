// Package qjob implements JobOrchestrator from spec.md §4.4: composing
// many qrequest.Base-backed Requests into one logical operation across
// workers, with fan-out, result aggregation, cancellation fan-in, and
// back-pressure.
package qjob

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qrequest"
)

// State mirrors qrequest.State but Jobs never see IN_PROGRESS sub-states —
// only CREATED, IN_PROGRESS, FINISHED, per spec.md §3.
type State int

const (
	CREATED State = iota
	IN_PROGRESS
	FINISHED
)

// ChildResult captures one finished child Request's outcome, keyed by
// worker, matching "the appropriate aggregate record (e.g. per-worker map
// of results)" in spec.md §4.4.
type ChildResult struct {
	Worker    string
	RequestID string
	Extended  qerrors.Extended
	ServerMsg string
}

// Base is the common Job lifecycle: fan-out bookkeeping, the
// started/finished/success counters, and the double-check cancellation
// pattern from spec.md §4.4.
type Base struct {
	ID         string
	Type       string
	Priority   int
	Exclusive  bool
	Preemptive bool

	logger   *zap.Logger
	onFinish func(*Base)

	mu            sync.Mutex
	state         State
	extended      qerrors.Extended
	children      map[string]*qrequest.Base // requestID -> request
	results       []ChildResult
	numStarted    int
	numFinished   int
	numSuccess    int
	totalExpected int
	cancelling    bool
}

// NewBase constructs a Job in state CREATED.
func NewBase(id, typ string, priority int, onFinish func(*Base), logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		ID:       id,
		Type:     typ,
		Priority: priority,
		onFinish: onFinish,
		logger:   logger,
		state:    CREATED,
		children: make(map[string]*qrequest.Base),
	}
}

func (j *Base) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Base) Extended() qerrors.Extended {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.extended
}

func (j *Base) Results() []ChildResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ChildResult, len(j.results))
	copy(out, j.results)
	return out
}

// Progress reports (numFinished, totalExpected) for operator observability
// (spec.md §4.9's progress field is this same counter pair).
func (j *Base) Progress() (completed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.numFinished, j.totalExpected
}

// BeginFanOut transitions CREATED -> IN_PROGRESS and records how many
// child Requests the caller is about to start, so the finish condition
// (numFinished >= totalExpected) can be evaluated as children complete.
func (j *Base) BeginFanOut(expected int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != CREATED {
		return
	}
	j.state = IN_PROGRESS
	j.totalExpected = expected
}

// TrackChild reserves a fan-out slot for a not-yet-constructed child
// Request and returns the callback to wire as that Request's Config.OnFinish
// at construction time (Base.onFinish is fixed at NewBase, so the callback
// must exist before the Request does). Call RegisterChild once the Request
// is built so Cancel can reach it.
func (j *Base) TrackChild(worker string) func(*qrequest.Base) {
	j.mu.Lock()
	j.numStarted++
	j.mu.Unlock()

	return func(finished *qrequest.Base) {
		j.childFinished(worker, finished)
	}
}

// RegisterChild makes req reachable from Cancel. A child that finishes (and
// is removed from children) before Cancel runs is simply absent from the
// fan-in; childFinished's double-check still protects against the race.
func (j *Base) RegisterChild(req *qrequest.Base) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == FINISHED {
		return
	}
	j.children[req.ID] = req
}

// childFinished tests state==FINISHED twice, on entry and again after
// recording the child, both times while holding the Job's mutex, so a late
// callback after the Job finished is a no-op. No check is made before the
// mutex is taken. Cancel releases the mutex before cancelling children, so
// the children's callbacks do not deadlock against it.
func (j *Base) childFinished(worker string, req *qrequest.Base) {
	j.mu.Lock()
	if j.state == FINISHED {
		j.mu.Unlock()
		return
	}

	ext := req.Extended()
	j.results = append(j.results, ChildResult{Worker: worker, RequestID: req.ID, Extended: ext})
	delete(j.children, req.ID)
	j.numFinished++
	if ext == qerrors.SUCCESS {
		j.numSuccess++
	}

	if j.state == FINISHED {
		j.mu.Unlock()
		return
	}

	allDone := j.totalExpected > 0 && j.numFinished >= j.totalExpected
	var finalExt qerrors.Extended
	var fire bool
	if allDone {
		j.state = FINISHED
		if j.numSuccess == j.numStarted {
			finalExt = qerrors.SUCCESS
		} else {
			finalExt = qerrors.SERVER_ERROR
		}
		j.extended = finalExt
		fire = true
	}
	j.mu.Unlock()

	if fire && j.onFinish != nil {
		j.onFinish(j)
	}
}

// Cancel cancels every tracked child Request and clears the registry, the
// cancellation fan-in from spec.md §4.4.
func (j *Base) Cancel() {
	j.mu.Lock()
	if j.state == FINISHED || j.cancelling {
		j.mu.Unlock()
		return
	}
	j.cancelling = true
	children := make([]*qrequest.Base, 0, len(j.children))
	for _, c := range j.children {
		children = append(children, c)
	}
	j.children = make(map[string]*qrequest.Base)
	j.mu.Unlock()

	for _, c := range children {
		c.Cancel()
	}
}
