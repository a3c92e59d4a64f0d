package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeHeader renders h as a compact positional record with no field
// tags: each field is a fixed-width int32 except the two id strings, which
// are length-prefixed. This is deliberately not a general-purpose codec —
// the Header shape is small and fixed, so a bespoke encoder avoids pulling
// in a serialization framework for seven fields (see DESIGN.md for why this one piece stays on
// the standard library).
func EncodeHeader(h Header) []byte {
	var buf bytes.Buffer
	writeString(&buf, h.ID)
	writeInt(&buf, int32(h.Type))
	writeInt(&buf, int32(h.ManagementType))
	writeInt(&buf, int32(h.ServiceType))
	writeString(&buf, h.InstanceID)
	writeInt(&buf, int32(h.Status))
	writeInt(&buf, int32(h.ExtendedStatus))
	return buf.Bytes()
}

// DecodeHeader parses a buffer produced by EncodeHeader.
func DecodeHeader(data []byte) (Header, error) {
	r := bytes.NewReader(data)
	var h Header
	var err error
	if h.ID, err = readString(r); err != nil {
		return h, fmt.Errorf("wire: decode header id: %w", err)
	}
	var mt, mgmt, svc, status, ext int32
	for _, dst := range []*int32{&mt, &mgmt, &svc} {
		if err = binary.Read(r, binary.BigEndian, dst); err != nil {
			return h, fmt.Errorf("wire: decode header int: %w", err)
		}
	}
	h.Type = MessageType(mt)
	h.ManagementType = RequestType(mgmt)
	h.ServiceType = RequestType(svc)
	if h.InstanceID, err = readString(r); err != nil {
		return h, fmt.Errorf("wire: decode header instance id: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &status); err != nil {
		return h, fmt.Errorf("wire: decode header status: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &ext); err != nil {
		return h, fmt.Errorf("wire: decode header extended status: %w", err)
	}
	h.Status = Status(status)
	h.ExtendedStatus = ExtendedStatus(ext)
	return h, nil
}

// DecodeHeaderPrefix decodes a Header from the start of data and returns
// whatever bytes follow it, for callers that concatenated header+body into
// one ReadFrame payload (messenger's TCP transport and replicasrv.Server).
func DecodeHeaderPrefix(data []byte) (Header, []byte, error) {
	r := bytes.NewReader(data)
	var h Header
	var err error
	if h.ID, err = readString(r); err != nil {
		return h, nil, fmt.Errorf("wire: decode header id: %w", err)
	}
	var mt, mgmt, svc, status, ext int32
	for _, dst := range []*int32{&mt, &mgmt, &svc} {
		if err = binary.Read(r, binary.BigEndian, dst); err != nil {
			return h, nil, fmt.Errorf("wire: decode header int: %w", err)
		}
	}
	h.Type = MessageType(mt)
	h.ManagementType = RequestType(mgmt)
	h.ServiceType = RequestType(svc)
	if h.InstanceID, err = readString(r); err != nil {
		return h, nil, fmt.Errorf("wire: decode header instance id: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &status); err != nil {
		return h, nil, fmt.Errorf("wire: decode header status: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &ext); err != nil {
		return h, nil, fmt.Errorf("wire: decode header extended status: %w", err)
	}
	h.Status = Status(status)
	h.ExtendedStatus = ExtendedStatus(ext)

	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return h, rest, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeInt(buf, int32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

func writeInt(buf *bytes.Buffer, v int32) {
	_ = binary.Write(buf, binary.BigEndian, v)
}
