package messenger

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub025/libraries/wire"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		raw, err := wire.ReadFrame(conn)
		require.NoError(t, err)
		header, _, err := wire.DecodeHeaderPrefix(raw)
		require.NoError(t, err)

		respHeader := wire.EncodeHeader(wire.Header{ID: header.ID, Status: wire.SUCCESS})
		require.NoError(t, wire.WriteFrame(conn, respHeader, []byte("pong")))
	}()

	transport := NewTCPTransport(func(worker string) (string, error) {
		return ln.Addr().String(), nil
	}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := transport.Open(ctx, "worker01")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, "req-1", int(wire.Echo), []byte("ping")))

	id, body, err := conn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "req-1", id)
	require.Equal(t, "pong", string(body))

	<-serverDone
}

func TestTCPTransportOpenFailsOnUnresolvedAddress(t *testing.T) {
	transport := NewTCPTransport(func(worker string) (string, error) {
		return "", net.UnknownNetworkError("no such worker")
	}, time.Second)
	_, err := transport.Open(context.Background(), "ghost")
	require.Error(t, err)
}
