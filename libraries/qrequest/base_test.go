package qrequest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
)

type noopSender struct {
	probes  int32
	cancels int32
}

func (s *noopSender) SendProbe(ctx context.Context, requestID string) { atomic.AddInt32(&s.probes, 1) }
func (s *noopSender) CancelSend(requestID string)                     { atomic.AddInt32(&s.cancels, 1) }

func TestStartOnNonCreatedIsError(t *testing.T) {
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{})
	require.NoError(t, b.Start(context.Background(), "", 0))
	require.Error(t, b.Start(context.Background(), "", 0))
}

func TestSingleNotify(t *testing.T) {
	var calls int32
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		OnFinish: func(req *Base) { atomic.AddInt32(&calls, 1) },
	})
	require.NoError(t, b.Start(context.Background(), "", 0))
	b.Deliver(context.Background(), Reply{Extended: qerrors.SUCCESS})
	b.Deliver(context.Background(), Reply{Extended: qerrors.SUCCESS})
	b.Cancel()
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, FINISHED, b.State())
}

func TestCancelIdempotent(t *testing.T) {
	var calls int32
	sender := &noopSender{}
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		Sender:   sender,
		OnFinish: func(req *Base) { atomic.AddInt32(&calls, 1) },
	})
	require.NoError(t, b.Start(context.Background(), "", 0))
	b.Cancel()
	b.Cancel()
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, qerrors.CANCELLED, b.Extended())
	assert.EqualValues(t, 1, atomic.LoadInt32(&sender.cancels), "cancel should only reach the transport once in practice")
}

func TestPersistenceBeforeCallback(t *testing.T) {
	persister := qmeta.NewInMemoryPersister()
	var transitionsAtCallback int
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		Persister: persister,
		OnFinish: func(req *Base) {
			transitionsAtCallback = len(persister.Transitions())
		},
	})
	require.NoError(t, b.Start(context.Background(), "", 0))
	b.Deliver(context.Background(), Reply{Extended: qerrors.SUCCESS})

	assert.Equal(t, 2, transitionsAtCallback, "FINISHED transition must be persisted before onFinish runs")
	transitions := persister.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, "IN_PROGRESS", transitions[0].State)
	assert.Equal(t, "FINISHED", transitions[1].State)
	assert.Equal(t, "SUCCESS", transitions[1].Extended)
}

func TestFailingPersisterStillAppliesTransition(t *testing.T) {
	persister := &qmeta.FailingPersister{Err: assertErr}
	done := make(chan struct{})
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		Persister: persister,
		OnFinish:  func(req *Base) { close(done) },
	})
	require.NoError(t, b.Start(context.Background(), "", 0))
	b.Deliver(context.Background(), Reply{Extended: qerrors.SUCCESS})
	<-done
	assert.Equal(t, FINISHED, b.State())
	assert.Equal(t, qerrors.SUCCESS, b.Extended())
}

var assertErr = errString("persist failed")

type errString string

func (e errString) Error() string { return string(e) }

// TestRequestExpiration is scenario S4 from spec.md §8: a Request with a
// 50ms expiration against a peer that never replies finishes EXPIRED with
// exactly one notify.
func TestRequestExpiration(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var finalExt qerrors.Extended
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		OnFinish: func(req *Base) {
			atomic.AddInt32(&calls, 1)
			mu.Lock()
			finalExt = req.Extended()
			mu.Unlock()
		},
	})
	require.NoError(t, b.Start(context.Background(), "", 50*time.Millisecond))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, FINISHED, b.State())
	mu.Lock()
	assert.Equal(t, qerrors.EXPIRED, finalExt)
	mu.Unlock()
	assert.EqualValues(t, 1, calls)
}

func TestKeepTrackingRetriesOnQueuedReply(t *testing.T) {
	sender := &noopSender{}
	b := NewBase("r1", "Status", "worker01", 0, true, false, Config{Sender: sender})
	require.NoError(t, b.Start(context.Background(), "", 0))

	b.Deliver(context.Background(), Reply{Extended: qerrors.SERVER_QUEUED})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&sender.probes) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, IN_PROGRESS, b.State())

	b.Deliver(context.Background(), Reply{Extended: qerrors.SUCCESS})
	assert.Equal(t, FINISHED, b.State())
}

func TestStartImplErrorFinishesAsClientError(t *testing.T) {
	b := NewBase("r1", "Echo", "worker01", 0, false, false, Config{
		Start: func(ctx context.Context) error { return assertErr },
	})
	require.NoError(t, b.Start(context.Background(), "", 0))
	assert.Equal(t, FINISHED, b.State())
	assert.Equal(t, qerrors.CLIENT_ERROR, b.Extended())
}
