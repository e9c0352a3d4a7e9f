package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framer reads and writes whole frames over a blocking stream. Servers
// use Buffer and TryDecode instead; Framer serves peers that own their
// socket and are happy to block.
type Framer struct {
	rw             io.ReadWriter
	maxFrameLength int
}

// NewFramer creates a new framer with the default max frame length
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		rw:             rw,
		maxFrameLength: DefaultMaxFrameLength,
	}
}

// NewFramerWithMaxSize creates a new framer with the specified max frame length
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameLength
	}
	return &Framer{
		rw:             rw,
		maxFrameLength: maxSize,
	}
}

// WriteFrame writes a single frame in one Write call
func (f *Framer) WriteFrame(frame *Frame) error {
	if int(frame.Length()) > f.maxFrameLength {
		return fmt.Errorf("frame length %d exceeds max frame length %d", frame.Length(), f.maxFrameLength)
	}

	if _, err := f.rw.Write(frame.Marshal()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// ReadFrame blocks until one complete frame has been read
func (f *Framer) ReadFrame() (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f.rw, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:LengthFieldSize])
	if err := checkLength(length, f.maxFrameLength); err != nil {
		return nil, err
	}

	payload := make([]byte, int(length)-TypeFieldSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			return nil, fmt.Errorf("failed to read frame payload: %w", err)
		}
	}

	return &Frame{
		Type:    binary.BigEndian.Uint16(header[LengthFieldSize:]),
		Payload: payload,
	}, nil
}
