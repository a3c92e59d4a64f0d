// Package replicasrv is the server half of the framed worker RPC protocol
// that libraries/messenger/tcptransport.go dials into: it accepts
// connections, decodes each request Header, dispatches by
// wire.RequestType to a registered Handler, and frames the reply back.
// This is the replica/worker-side counterpart spec.md §6 assumes exists
// on the other end of the wire but does not itself describe in detail.
package replicasrv

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/wire"
)

// Handler processes one request body and returns the reply body plus the
// Status/ExtendedStatus to echo back in the response Header.
type Handler func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus)

// Server listens on a TCP socket and dispatches incoming frames to
// per-RequestType handlers, one connection-handling goroutine per client.
type Server struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[wire.RequestType]Handler

	listener net.Listener

	wg sync.WaitGroup
}

// New builds a Server with no handlers registered; call Handle before
// Serve to wire up the request types this process answers.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, handlers: make(map[wire.RequestType]Handler)}
}

// Handle registers fn as the handler for requestType. Calling Handle after
// Serve has started is not safe.
func (s *Server) Handle(requestType wire.RequestType, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[requestType] = fn
}

// Serve accepts connections on addr until ctx is cancelled or Close is
// called. When ctx is cancelled it returns nil after every spawned
// connection goroutine has returned; when Accept fails for any other
// reason, including Close, it returns that error without waiting for them.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.logger.Warn("replicasrv: accept failed", zap.Error(err))
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections. Serve's caller should still
// cancel ctx to unblock any in-flight Recv calls.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		raw, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		header, body, err := wire.DecodeHeaderPrefix(raw)
		if err != nil {
			s.logger.Warn("replicasrv: malformed frame", zap.Error(err))
			return
		}
		replyBody, status, ext := s.dispatch(ctx, header, body)
		replyHeader := wire.EncodeHeader(wire.Header{
			ID:             header.ID,
			Type:           wire.REQUEST,
			ManagementType: header.ManagementType,
			Status:         status,
			ExtendedStatus: ext,
		})
		if err := wire.WriteFrame(conn, replyHeader, replyBody); err != nil {
			s.logger.Warn("replicasrv: write reply failed", zap.String("id", header.ID), zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, header wire.Header, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
	s.mu.RLock()
	fn, ok := s.handlers[header.ManagementType]
	s.mu.RUnlock()
	if !ok {
		return nil, wire.BAD, wire.ExtNone
	}
	return fn(ctx, body)
}
