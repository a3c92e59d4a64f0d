package task

import (
	"bytes"
	"context"
	"io"

	"github.com/lsst/qserv-sub025/libraries/wire"
)

// Bucket is one framed chunk of result rows, or the final terminator
// (Rows == nil) that signals end-of-stream.
type Bucket struct {
	Rows []byte
}

// SendChannel partitions a Task's output into framed bucket messages plus a
// final terminator bucket, streamed through a bounded channel so a slow
// czar naturally back-pressures the executor goroutine (spec.md §5, §4.7).
type SendChannel struct {
	out chan Bucket
}

// NewSendChannel builds a SendChannel whose internal queue holds at most
// depth unsent buckets before Send blocks.
func NewSendChannel(depth int) *SendChannel {
	return &SendChannel{out: make(chan Bucket, depth)}
}

// Send enqueues one bucket of row bytes, blocking if the channel is full
// (the back-pressure signal named in spec.md §5) until ctx is done.
func (c *SendChannel) Send(ctx context.Context, rows []byte) error {
	select {
	case c.out <- Bucket{Rows: rows}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish enqueues the terminator bucket, after which no further Send calls
// are expected.
func (c *SendChannel) Finish(ctx context.Context) error {
	select {
	case c.out <- Bucket{Rows: nil}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buckets exposes the receive side for the transmit goroutine that frames
// and writes buckets onto the wire.
func (c *SendChannel) Buckets() <-chan Bucket {
	return c.out
}

// WriteTo drains Buckets and writes each as a wire frame to w, stopping
// after the terminator bucket (an empty frame) or the first write error.
func (c *SendChannel) WriteTo(w io.Writer) error {
	for b := range c.out {
		if b.Rows == nil {
			return wire.WriteFrame(w, nil, nil)
		}
		if err := wire.WriteFrame(w, nil, b.Rows); err != nil {
			return err
		}
	}
	return nil
}

// ReadBuckets reads frames from r until a terminator (empty) frame or EOF,
// returning each frame's row bytes as a separate slice, in arrival order.
func ReadBuckets(r io.Reader) ([][]byte, error) {
	var out [][]byte
	for {
		buf, err := wire.ReadFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(buf) == 0 {
			return out, nil
		}
		out = append(out, bytes.Clone(buf))
	}
}
