// Package framing implements the length-prefixed binary wire format:
//
//	[length: 4 bytes, big-endian][type: 2 bytes, big-endian][payload: length-2 bytes]
//
// The length field counts the type and payload bytes, never itself.
package framing

import (
	"encoding/binary"
	"fmt"
)

// Frame header constants
const (
	// LengthFieldSize is the size of the big-endian length prefix
	LengthFieldSize = 4

	// TypeFieldSize is the size of the big-endian type code
	TypeFieldSize = 2

	// HeaderSize is the smallest number of buffered bytes worth parsing
	HeaderSize = LengthFieldSize + TypeFieldSize

	// MinFrameLength is the smallest legal value of the length field
	// (a type code with an empty payload)
	MinFrameLength = TypeFieldSize

	// DefaultMaxFrameLength is the default maximum frame length (10MB)
	DefaultMaxFrameLength = 10 * 1024 * 1024
)

// Frame is one decoded protocol unit. Payload is owned by the Frame and
// never aliases a connection's receive buffer.
type Frame struct {
	Type    uint16
	Payload []byte
}

// NewFrame creates a frame with the given type code and payload
func NewFrame(typ uint16, payload []byte) *Frame {
	return &Frame{
		Type:    typ,
		Payload: payload,
	}
}

// Length returns the value written to the length field for this frame
func (f *Frame) Length() uint32 {
	return uint32(TypeFieldSize + len(f.Payload))
}

// Marshal serializes the frame to its wire representation
func (f *Frame) Marshal() []byte {
	return AppendFrame(make([]byte, 0, LengthFieldSize+int(f.Length())), f.Type, f.Payload)
}

// AppendFrame appends the wire representation of a frame to dst
func AppendFrame(dst []byte, typ uint16, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(TypeFieldSize+len(payload)))
	dst = binary.BigEndian.AppendUint16(dst, typ)
	return append(dst, payload...)
}

// checkLength validates a length field against the configured bounds
func checkLength(length uint32, maxFrameLength int) error {
	if length < MinFrameLength {
		return fmt.Errorf("%w: length %d below minimum %d", ErrMalformed, length, MinFrameLength)
	}
	if uint64(length) > uint64(maxFrameLength) {
		return fmt.Errorf("%w: length %d exceeds max frame length %d", ErrMalformed, length, maxFrameLength)
	}
	return nil
}
