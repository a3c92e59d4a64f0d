package messenger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type outboundMsg struct {
	id      string
	kind    int
	payload []byte
}

type pendingCall struct {
	onResponse ResponseFunc
	fired      bool
}

// connector owns one logical connection to a single worker: a persistent,
// lazily (re)connected transport, a single-writer outbound queue so at
// most one write is ever in flight, and the requestId -> callback registry.
type connector struct {
	worker    string
	transport Transport
	logger    *zap.Logger

	mu       sync.Mutex
	conn     Conn
	pending  map[string]*pendingCall
	outbound chan outboundMsg
	done     chan struct{}
	closed   bool

	connectOnce sync.Once
}

func newConnector(worker string, transport Transport, logger *zap.Logger) *connector {
	c := &connector{
		worker:    worker,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingCall),
		outbound:  make(chan outboundMsg, 64),
		done:      make(chan struct{}),
	}
	go c.writerLoop()
	return c
}

func (c *connector) send(ctx context.Context, id string, kind int, payload []byte, onResponse ResponseFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		onResponse(false, nil)
		return
	}
	c.pending[id] = &pendingCall{onResponse: onResponse}
	c.mu.Unlock()

	select {
	case c.outbound <- outboundMsg{id: id, kind: kind, payload: payload}:
	case <-ctx.Done():
		c.fireOnce(id, false, nil)
	case <-c.done:
		c.fireOnce(id, false, nil)
	}
}

func (c *connector) cancel(id string) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.fireOnce(id, false, nil)
	}
}

func (c *connector) exists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *connector) registrySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *connector) fireOnce(id string, success bool, payload []byte) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && !call.fired {
		call.fired = true
		call.onResponse(success, payload)
	}
}

func (c *connector) ensureConn(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.transport.Open(ctx, c.worker)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readerLoop(conn)
	return conn, nil
}

// writerLoop is the connector's single writer goroutine: it serializes
// every outbound message so at most one write is in flight at a time, per
// spec.md §4.2 and §5 rule (a).
func (c *connector) writerLoop() {
	for {
		select {
		case msg := <-c.outbound:
			ctx := context.Background()
			conn, err := c.ensureConn(ctx)
			if err != nil {
				c.logger.Warn("messenger: failed to open connection", zap.String("worker", c.worker), zap.Error(err))
				c.failAll()
				continue
			}
			if err := conn.Send(ctx, msg.id, msg.kind, msg.payload); err != nil {
				c.logger.Warn("messenger: send failed", zap.String("worker", c.worker), zap.Error(err))
				c.resetConn()
				c.failAll()
			}
		case <-c.done:
			return
		}
	}
}

func (c *connector) readerLoop(conn Conn) {
	ctx := context.Background()
	for {
		id, payload, err := conn.Recv(ctx)
		if err != nil {
			c.resetConn()
			c.failAll()
			return
		}
		c.fireOnce(id, true, payload)
	}
}

// resetConn drops the current connection so the next send reconnects,
// matching "the connector re-enters a disconnected state" in spec.md §4.2.
func (c *connector) resetConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// failAll fails every request still pending on this connector, the
// rendering of "a dropped connection fails every in-flight request on that
// connection" in spec.md §4.2.
func (c *connector) failAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.fireOnce(id, false, nil)
	}
}

func (c *connector) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.resetConn()
	c.failAll()
}
