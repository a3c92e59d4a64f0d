package replicasrv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub025/libraries/wire"
)

func TestServerDispatchesRegisteredHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(nil)
	srv.Handle(wire.StatusReq, func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
		return []byte("pong"), wire.SUCCESS, wire.ExtNone
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go srv.Serve(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	header := wire.EncodeHeader(wire.Header{ID: "req-1", Type: wire.REQUEST, ManagementType: wire.StatusReq})
	require.NoError(t, wire.WriteFrame(conn, header, []byte("ping")))

	raw, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	replyHeader, replyBody, err := wire.DecodeHeaderPrefix(raw)
	require.NoError(t, err)

	assert.Equal(t, "req-1", replyHeader.ID)
	assert.Equal(t, wire.SUCCESS, replyHeader.Status)
	assert.Equal(t, []byte("pong"), replyBody)
}

func TestServerRepliesBadForUnregisteredRequestType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go srv.Serve(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	header := wire.EncodeHeader(wire.Header{ID: "req-2", Type: wire.REQUEST, ManagementType: wire.Sql})
	require.NoError(t, wire.WriteFrame(conn, header, nil))

	raw, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	replyHeader, _, err := wire.DecodeHeaderPrefix(raw)
	require.NoError(t, err)

	assert.Equal(t, wire.BAD, replyHeader.Status)
}
