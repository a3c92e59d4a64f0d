// Package wire implements the framed worker RPC protocol described in
// spec.md §6: a big-endian uint32 length prefix followed by a serialized
// Header and an optional body.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType distinguishes a top-level REQUEST from a SERVICE message.
type MessageType int

const (
	REQUEST MessageType = iota
	SERVICE
)

// RequestType enumerates the body kinds a REQUEST Header can carry.
type RequestType int

const (
	Replicate RequestType = iota
	Delete
	Find
	FindAll
	Echo
	Sql
	DirectorIndex
	StatusReq
	Stop
)

// Status is the worker-side status enum returned in a response Header.
type Status int

const (
	SUCCESS Status = iota
	CREATED
	QUEUED
	IN_PROGRESS
	IS_CANCELLING
	BAD
	FAILED
	CANCELLED
)

// ExtendedStatus names specific worker-side error conditions.
type ExtendedStatus int

const (
	ExtNone ExtendedStatus = iota
	FileSize
	NoFolder
	ForeignInstance
)

// Header is the per-message envelope. replicasrv's response Header echoes
// the request's ID and ManagementType and sets its own Status/
// ExtendedStatus; ServiceType and InstanceID are not echoed.
type Header struct {
	ID              string
	Type            MessageType
	ManagementType  RequestType
	ServiceType     RequestType
	InstanceID      string
	Status          Status
	ExtendedStatus  ExtendedStatus
}

const maxFrameLen = 64 << 20 // 64 MiB; guards against a corrupt length prefix.

// WriteFrame writes frameLen(header)+frameLen(body) as one frame: a
// big-endian uint32 total length, then the header, then the body (either
// may be empty). Header and body are pre-serialized by the caller — this
// package only owns the outer framing, matching spec.md's statement that
// the body is "a serialized Header" followed by "optionally a serialized
// body".
func WriteFrame(w io.Writer, header []byte, body []byte) error {
	total := len(header) + len(body)
	if total > maxFrameLen {
		return fmt.Errorf("wire: frame too large: %d bytes", total)
	}
	bw := bufio.NewWriter(w)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFrame reads one frame written by WriteFrame and returns its raw
// payload (header+body concatenated; the caller who knows the header
// encoding splits it).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
