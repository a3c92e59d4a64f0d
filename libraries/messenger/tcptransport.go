package messenger

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lsst/qserv-sub025/libraries/wire"
)

// TCPTransport dials a plain TCP socket per worker and frames requests and
// responses with libraries/wire, standing in for the real XRootD/SSI
// transport spec.md §1 treats as an external collaborator reached through
// a narrow interface.
type TCPTransport struct {
	dialTimeout time.Duration
	addrFor     func(worker string) (string, error)
}

// NewTCPTransport builds a TCPTransport that resolves a worker name to a
// "host:port" address via addrFor (backed by the worker configs loaded
// from qmeta.Store.LoadWorkerConfigs in production).
func NewTCPTransport(addrFor func(worker string) (string, error), dialTimeout time.Duration) *TCPTransport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TCPTransport{addrFor: addrFor, dialTimeout: dialTimeout}
}

// Open implements Transport.
func (t *TCPTransport) Open(ctx context.Context, worker string) (Conn, error) {
	addr, err := t.addrFor(worker)
	if err != nil {
		return nil, fmt.Errorf("messenger: resolve address for %s: %w", worker, err)
	}
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("messenger: dial %s at %s: %w", worker, addr, err)
	}
	return &tcpConn{conn: conn}, nil
}

type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpConn) Send(ctx context.Context, requestID string, kind int, payload []byte) error {
	header := wire.EncodeHeader(wire.Header{ID: requestID, Type: wire.REQUEST, ManagementType: wire.RequestType(kind)})
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	return wire.WriteFrame(c.conn, header, payload)
}

func (c *tcpConn) Recv(ctx context.Context) (string, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	raw, err := wire.ReadFrame(c.conn)
	if err != nil {
		return "", nil, err
	}
	header, body, err := wire.DecodeHeaderPrefix(raw)
	if err != nil {
		return "", nil, err
	}
	return header.ID, body, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
