// Package messenger implements the per-worker multiplexed RPC client
// described in spec.md §4.2: one logical connection per worker, a
// single-writer outbound queue, and a registry of pending callbacks keyed
// by request id.
package messenger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Conn is the thread-safe duplex byte stream assumed in spec.md §1 ("a
// thread-safe client library" stands in for the MySQL driver there; here
// the equivalent assumption is a framed request/response transport).
type Conn interface {
	// kind is an opaque request-type tag the transport may fold into its
	// own framing (TCPTransport maps it to a wire.RequestType); transports
	// that don't distinguish request types are free to ignore it.
	Send(ctx context.Context, requestID string, kind int, payload []byte) error
	// Recv blocks until a response frame arrives and returns the echoed
	// request id and its payload.
	Recv(ctx context.Context) (requestID string, payload []byte, err error)
	Close() error
}

// Transport opens a Conn to a named worker. Production code dials a real
// socket; tests supply an in-memory fake.
type Transport interface {
	Open(ctx context.Context, worker string) (Conn, error)
}

// ResponseFunc is invoked exactly once per Send: either success=true with
// the raw response payload, or success=false after a transport failure,
// cancellation, or connection reset.
type ResponseFunc func(success bool, payload []byte)

// Messenger owns one connector per worker name.
type Messenger struct {
	transport Transport
	logger    *zap.Logger

	mu         sync.RWMutex
	connectors map[string]*connector
}

func New(transport Transport, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		transport:  transport,
		logger:     logger,
		connectors: make(map[string]*connector),
	}
}

func (m *Messenger) connectorFor(worker string) *connector {
	m.mu.RLock()
	c, ok := m.connectors[worker]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.connectors[worker]; ok {
		return c
	}
	c = newConnector(worker, m.transport, m.logger)
	m.connectors[worker] = c
	return c
}

// Send enqueues the already-serialized request and guarantees onResponse
// fires exactly once. kind is passed through to Conn.Send unchanged.
func (m *Messenger) Send(ctx context.Context, worker, id string, kind int, payload []byte, onResponse ResponseFunc) {
	m.connectorFor(worker).send(ctx, id, kind, payload, onResponse)
}

// Cancel removes id from worker's registry. If still pending, its
// onResponse fires with success=false.
func (m *Messenger) Cancel(worker, id string) {
	m.mu.RLock()
	c, ok := m.connectors[worker]
	m.mu.RUnlock()
	if ok {
		c.cancel(id)
	}
}

// Exists reports whether id is still pending on worker, for diagnostics.
func (m *Messenger) Exists(worker, id string) bool {
	m.mu.RLock()
	c, ok := m.connectors[worker]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return c.exists(id)
}

// Close tears down every connector. Outstanding callbacks fire with
// success=false.
func (m *Messenger) Close() {
	m.mu.Lock()
	connectors := m.connectors
	m.connectors = make(map[string]*connector)
	m.mu.Unlock()
	for _, c := range connectors {
		c.shutdown()
	}
}

// RegistrySizes reports, per worker, how many requests are still pending —
// used by tests asserting spec.md §8 property 2 ("the Messenger registry
// is empty for every worker").
func (m *Messenger) RegistrySizes() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.connectors))
	for name, c := range m.connectors {
		out[name] = c.registrySize()
	}
	return out
}

var errTransportFailure = fmt.Errorf("messenger: transport failure")
