package framing

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrMalformed is wrapped by every length-field violation
var ErrMalformed = errors.New("malformed frame")

// Status is the outcome of a single TryDecode call
type Status int

const (
	// NeedMoreData means no complete frame is buffered; nothing was consumed
	NeedMoreData Status = iota
	// Malformed means the buffered length field is out of bounds
	Malformed
	// Complete means one frame was extracted and its bytes consumed
	Complete
)

func (s Status) String() string {
	switch s {
	case NeedMoreData:
		return "need_more_data"
	case Malformed:
		return "malformed"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Buffer is a per-connection byte accumulator with a read cursor.
// It is not safe for concurrent use; one connection goroutine owns it.
type Buffer struct {
	buf []byte
	// r is the permanent read cursor. Bytes before r belong to frames
	// that were already extracted.
	r int
	// mark is the speculative cursor position saved by a parse attempt
	mark int
}

// NewBuffer creates an empty buffer with the given initial capacity
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 4096
	}
	return &Buffer{buf: make([]byte, 0, size)}
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Fill performs a single Read from r into the buffer's free space,
// reading at most n bytes. It returns the number of bytes appended.
func (b *Buffer) Fill(r io.Reader, n int) (int, error) {
	if n <= 0 {
		n = 4096
	}
	b.grow(n)
	m, err := r.Read(b.buf[len(b.buf) : len(b.buf)+n])
	if m > 0 {
		b.buf = b.buf[:len(b.buf)+m]
	}
	return m, err
}

// Len returns the number of unconsumed bytes
func (b *Buffer) Len() int {
	return len(b.buf) - b.r
}

// Reset discards all buffered bytes
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.r = 0
	b.mark = 0
}

// grow guarantees room for n more bytes, compacting consumed bytes first
func (b *Buffer) grow(n int) {
	if b.r > 0 && (b.r == len(b.buf) || len(b.buf)+n > cap(b.buf)) {
		copied := copy(b.buf, b.buf[b.r:])
		b.buf = b.buf[:copied]
		b.r = 0
		b.mark = 0
	}
	if len(b.buf)+n <= cap(b.buf) {
		return
	}
	newCap := 2 * cap(b.buf)
	if newCap < len(b.buf)+n {
		newCap = len(b.buf) + n
	}
	grown := make([]byte, len(b.buf), newCap)
	copy(grown, b.buf)
	b.buf = grown
}

func (b *Buffer) markCursor()   { b.mark = b.r }
func (b *Buffer) rewindCursor() { b.r = b.mark }

func (b *Buffer) readUint32() uint32 {
	v := binary.BigEndian.Uint32(b.buf[b.r:])
	b.r += 4
	return v
}

func (b *Buffer) readUint16() uint16 {
	v := binary.BigEndian.Uint16(b.buf[b.r:])
	b.r += 2
	return v
}

// TryDecode attempts to extract one frame from b. On NeedMoreData the
// cursor is rewound so partially received bytes stay buffered for the
// next read. On Malformed the returned error describes the violation
// and the caller must close the connection.
//
// A single read may carry zero, one, or many frames, so callers loop
// until the status is not Complete.
func TryDecode(b *Buffer, maxFrameLength int) (Frame, Status, error) {
	if maxFrameLength <= 0 {
		maxFrameLength = DefaultMaxFrameLength
	}
	if b.Len() < HeaderSize {
		return Frame{}, NeedMoreData, nil
	}

	b.markCursor()
	length := b.readUint32()
	if err := checkLength(length, maxFrameLength); err != nil {
		b.rewindCursor()
		return Frame{}, Malformed, err
	}
	if b.Len() < int(length) {
		b.rewindCursor()
		return Frame{}, NeedMoreData, nil
	}

	typ := b.readUint16()
	payloadLen := int(length) - TypeFieldSize
	payload := make([]byte, payloadLen)
	copy(payload, b.buf[b.r:b.r+payloadLen])
	b.r += payloadLen

	if b.r == len(b.buf) {
		b.buf = b.buf[:0]
		b.r = 0
	}

	return Frame{Type: typ, Payload: payload}, Complete, nil
}

// DecodeAll drains every complete frame from b. It stops at the first
// NeedMoreData and returns the frames decoded so far together with any
// Malformed error.
func DecodeAll(b *Buffer, maxFrameLength int) ([]Frame, error) {
	var frames []Frame
	for {
		frame, status, err := TryDecode(b, maxFrameLength)
		switch status {
		case Complete:
			frames = append(frames, frame)
		case Malformed:
			return frames, err
		default:
			return frames, nil
		}
	}
}
