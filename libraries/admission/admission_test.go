package admission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTransport struct {
	mu     sync.Mutex
	queued int
}

func (t *fakeTransport) HasQueuedWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queued > 0
}

func (t *fakeTransport) Restart(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.queued {
		n = t.queued
	}
	t.queued -= n
	return n
}

func TestFinishBlockAdmitsQueuedWorkUpToBudget(t *testing.T) {
	transport := &fakeTransport{queued: 5}
	mgr := New(transport, 2)
	mgr.StartBlock()
	mgr.StartBlock()
	assert.Equal(t, 2, mgr.RunningCount())

	mgr.FinishBlock()
	assert.Equal(t, 2, mgr.RunningCount(), "one finished, one admitted: still at the cap")
	assert.Equal(t, 4, transport.queued)
}

func TestFinishBlockDoesNothingWithNoQueuedWork(t *testing.T) {
	transport := &fakeTransport{queued: 0}
	mgr := New(transport, 2)
	mgr.StartBlock()
	mgr.FinishBlock()
	assert.Equal(t, 0, mgr.RunningCount())
}

func TestRunningCountNeverGoesNegative(t *testing.T) {
	mgr := New(&fakeTransport{}, 2)
	mgr.FinishBlock()
	assert.Equal(t, 0, mgr.RunningCount())
}

func TestAdmitsAllQueuedWorkWhenUnderCap(t *testing.T) {
	transport := &fakeTransport{queued: 3}
	mgr := New(transport, 10)
	mgr.FinishBlock()
	assert.Equal(t, 0, transport.queued)
	assert.Equal(t, 3, mgr.RunningCount())
}

func TestQueueTransportRestartsInFIFOOrder(t *testing.T) {
	var restarted []string
	transport := NewQueueTransport(func(id string) { restarted = append(restarted, id) })
	transport.Enqueue("a")
	transport.Enqueue("b")
	transport.Enqueue("c")

	assert.True(t, transport.HasQueuedWork())
	n := transport.Restart(2)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, restarted)
	assert.True(t, transport.HasQueuedWork())

	n = transport.Restart(5)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b", "c"}, restarted)
	assert.False(t, transport.HasQueuedWork())
}
