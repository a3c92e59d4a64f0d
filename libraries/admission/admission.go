// Package admission implements LargeResultMgr (spec.md §4.10): czar-side
// admission control bounding how many large response streams the SSI
// transport may have active at once.
package admission

import "sync"

// Transport stands in for the SSI "restart" primitive: HasQueuedWork
// reports whether any blocked stream is waiting to be released, Restart
// asks the transport to release up to n of them and reports how many it
// actually released.
type Transport interface {
	HasQueuedWork() bool
	Restart(n int) int
}

// LargeResultMgr bounds memory use on the czar when many large chunk
// results are ready at the same moment, without stalling small queries
// (spec.md §4.10).
type LargeResultMgr struct {
	transport Transport

	mu              sync.Mutex
	runningCount    int
	runningCountMax int
}

// New builds a LargeResultMgr allowing at most runningCountMax concurrent
// large-result streams.
func New(transport Transport, runningCountMax int) *LargeResultMgr {
	return &LargeResultMgr{transport: transport, runningCountMax: runningCountMax}
}

// StartBlock records that one more large-result stream has become active.
func (m *LargeResultMgr) StartBlock() {
	m.mu.Lock()
	m.runningCount++
	m.mu.Unlock()
}

// FinishBlock records that a large-result stream has completed, then
// admits as many queued streams as the freed budget allows.
func (m *LargeResultMgr) FinishBlock() {
	m.mu.Lock()
	if m.runningCount > 0 {
		m.runningCount--
	}
	m.mu.Unlock()
	m.admitQueued()
}

// admitQueued releases queued work up to the remaining budget, via the
// transport's restart primitive, under the single mutex spec.md §5
// mandates for this component's state.
func (m *LargeResultMgr) admitQueued() {
	for {
		m.mu.Lock()
		budget := m.runningCountMax - m.runningCount
		hasWork := budget > 0 && m.transport.HasQueuedWork()
		m.mu.Unlock()
		if !hasWork {
			return
		}

		released := m.transport.Restart(budget)
		if released <= 0 {
			return
		}
		m.mu.Lock()
		m.runningCount += released
		m.mu.Unlock()
	}
}

// RunningCount reports the current number of active large-result streams.
func (m *LargeResultMgr) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCount
}

// QueueTransport is a Transport backed by an in-process FIFO of blocked
// stream ids, standing in for the real SSI "restart blocked request"
// primitive in the standalone deployment mode (the same role
// qmeta.InMemoryMemLockStore plays for the memLock table).
type QueueTransport struct {
	mu      sync.Mutex
	queued  []string
	restart func(id string)
}

// NewQueueTransport builds a QueueTransport that invokes restart for every
// stream id it releases.
func NewQueueTransport(restart func(id string)) *QueueTransport {
	return &QueueTransport{restart: restart}
}

// Enqueue records that the stream identified by id is blocked awaiting
// admission.
func (t *QueueTransport) Enqueue(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = append(t.queued, id)
}

func (t *QueueTransport) HasQueuedWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queued) > 0
}

func (t *QueueTransport) Restart(n int) int {
	t.mu.Lock()
	if n > len(t.queued) {
		n = len(t.queued)
	}
	released := t.queued[:n]
	t.queued = t.queued[n:]
	t.mu.Unlock()

	for _, id := range released {
		t.restart(id)
	}
	return len(released)
}

var _ Transport = (*QueueTransport)(nil)
