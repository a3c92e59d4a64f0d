package messenger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn that echoes every Send as a Recv response
// unless told to fail.
type fakeConn struct {
	mu      sync.Mutex
	inbox   chan [2][]byte // [id, payload] pairs rendered as response frames
	closed  bool
	failing bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan [2][]byte, 64)}
}

func (f *fakeConn) Send(ctx context.Context, id string, kind int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("fake: send failure")
	}
	f.inbox <- [2][]byte{[]byte(id), payload}
	return nil
}

func (f *fakeConn) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case pair, ok := <-f.inbox:
		if !ok {
			return "", nil, fmt.Errorf("fake: closed")
		}
		return string(pair[0]), pair[1], nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	fail  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(map[string]*fakeConn)}
}

func (t *fakeTransport) Open(ctx context.Context, worker string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return nil, fmt.Errorf("fake transport: dial failure")
	}
	c := newFakeConn()
	t.conns[worker] = c
	return c, nil
}

func TestSendResolvesOnEcho(t *testing.T) {
	m := New(newFakeTransport(), nil)
	defer m.Close()

	done := make(chan bool, 1)
	var gotPayload []byte
	m.Send(context.Background(), "worker01", "req-1", 0, []byte("select 1"), func(success bool, payload []byte) {
		gotPayload = payload
		done <- success
	})

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("response never arrived")
	}
	assert.Equal(t, []byte("select 1"), gotPayload)
}

func TestCancelFiresFailureExactlyOnce(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true // the dial fails, which fires the callback before Cancel runs
	m := New(tr, nil)
	defer m.Close()

	var calls int32
	var mu sync.Mutex
	done := make(chan struct{})
	m.Send(context.Background(), "worker01", "req-1", 0, nil, func(success bool, payload []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})
	<-done
	m.Cancel("worker01", "req-1")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}

func TestExistsReflectsRegistry(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true
	m := New(tr, nil)
	defer m.Close()

	blocked := make(chan struct{})
	m.Send(context.Background(), "worker01", "req-1", 0, nil, func(success bool, payload []byte) {
		close(blocked)
	})
	<-blocked
	assert.False(t, m.Exists("worker01", "req-1"))
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true // never connects, so the request fails either on the dial error or at Close
	m := New(tr, nil)

	done := make(chan bool, 1)
	m.Send(context.Background(), "worker02", "req-1", 0, nil, func(success bool, payload []byte) {
		done <- success
	})
	m.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failure callback after Close")
	}
}

func TestRegistrySizesEmptyAfterQuiescence(t *testing.T) {
	m := New(newFakeTransport(), nil)
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("req-%d", i)
		m.Send(context.Background(), "worker01", id, 0, nil, func(success bool, payload []byte) {
			wg.Done()
		})
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	for worker, size := range m.RegistrySizes() {
		assert.Equal(t, 0, size, "worker %s still has pending requests", worker)
	}
}
