package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFramer_WriteFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		maxSize int
		wantErr bool
	}{
		{
			name:  "auth frame",
			frame: NewFrame(1, []byte("token")),
		},
		{
			name:  "empty heartbeat",
			frame: NewFrame(3, nil),
		},
		{
			name:    "too large",
			frame:   NewFrame(2, make([]byte, 100)),
			maxSize: 50,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramerWithMaxSize(&buf, tt.maxSize)

			err := framer.WriteFrame(tt.frame)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WriteFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("wrote %d bytes on error", buf.Len())
				}
				return
			}

			written := buf.Bytes()
			length := binary.BigEndian.Uint32(written[:4])
			if int(length) != TypeFieldSize+len(tt.frame.Payload) {
				t.Errorf("length field = %d, want %d", length, TypeFieldSize+len(tt.frame.Payload))
			}
			if typ := binary.BigEndian.Uint16(written[4:6]); typ != tt.frame.Type {
				t.Errorf("type field = %d, want %d", typ, tt.frame.Type)
			}
			if !bytes.Equal(written[6:], tt.frame.Payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestFramer_ReadFrame(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFramer(&buf)
	for _, f := range []*Frame{NewFrame(1, []byte("a")), NewFrame(2, []byte("bc")), NewFrame(3, nil)} {
		if err := writer.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	reader := NewFramer(&buf)
	wantTypes := []uint16{1, 2, 3}
	for i, want := range wantTypes {
		f, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if f.Type != want {
			t.Errorf("frame %d type = %d, want %d", i, f.Type, want)
		}
	}

	if _, err := reader.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestFramer_ReadFrameRejectsBadLength(t *testing.T) {
	wire := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x01}
	framer := NewFramer(bytes.NewBuffer(wire))

	if _, err := framer.ReadFrame(); !errors.Is(err, ErrMalformed) {
		t.Errorf("ReadFrame() error = %v, want ErrMalformed", err)
	}
}
