package framegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YuminosukeSato/framegate/internal/framing"
	"github.com/YuminosukeSato/framegate/internal/protocol"
)

// ClientConfig configures a Client
type ClientConfig struct {
	Address        string
	DialTimeout    time.Duration
	RetryInterval  time.Duration
	MaxFrameLength int
}

// Client is a blocking peer for a framegate server. It is used by the
// probe command, the example and tests. Calls are serialized; Close may
// be called concurrently and interrupts a pending call.
type Client struct {
	cfg    ClientConfig
	conn   net.Conn
	framer *framing.Framer
	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to the server, retrying until DialTimeout (default 5s)
// or ctx expires
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	var dialer net.Dialer
	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			return &Client{
				cfg:    cfg,
				conn:   conn,
				framer: framing.NewFramerWithMaxSize(conn, cfg.MaxFrameLength),
			}, nil
		}
		lastErr = err

		// Wait a bit before retrying
		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to %s after %v: %w", cfg.Address, cfg.DialTimeout, lastErr)
		}
	}
}

// LocalAddr returns the client side address
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// WriteFrame sends one frame
func (c *Client) WriteFrame(ctx context.Context, typ uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withDeadline(ctx, func() error {
		return c.framer.WriteFrame(framing.NewFrame(typ, payload))
	})
}

// ReadFrame blocks for the next frame from the server. io.EOF means the
// server closed the connection.
func (c *Client) ReadFrame(ctx context.Context) (*framing.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var f *framing.Frame
	err := c.withDeadline(ctx, func() error {
		var err error
		f, err = c.framer.ReadFrame()
		return err
	})
	return f, err
}

// roundTrip writes a frame and reads the reply, which must carry want
func (c *Client) roundTrip(ctx context.Context, typ uint16, payload []byte, want uint16) (*framing.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var reply *framing.Frame
	err := c.withDeadline(ctx, func() error {
		if err := c.framer.WriteFrame(framing.NewFrame(typ, payload)); err != nil {
			return err
		}
		f, err := c.framer.ReadFrame()
		if err != nil {
			return err
		}
		if f.Type != want {
			return fmt.Errorf("unexpected reply type 0x%04x, want 0x%04x", f.Type, want)
		}
		reply = f
		return nil
	})
	return reply, err
}

// Authenticate sends credentials and reports whether the server accepted
// them
func (c *Client) Authenticate(ctx context.Context, credentials []byte) (bool, error) {
	reply, err := c.roundTrip(ctx, protocol.TypeAuth, credentials, protocol.TypeAuth)
	if err != nil {
		return false, err
	}
	if len(reply.Payload) != 1 {
		return false, fmt.Errorf("malformed auth reply: %d bytes", len(reply.Payload))
	}
	return reply.Payload[0] == protocol.AuthOK, nil
}

// Send writes a DATA frame without waiting for an acknowledgment
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.WriteFrame(ctx, protocol.TypeData, payload)
}

// SendAcked writes a DATA frame and waits for the server's empty DATA
// acknowledgment. A missing ack surfaces as a ctx deadline error.
func (c *Client) SendAcked(ctx context.Context, payload []byte) error {
	_, err := c.roundTrip(ctx, protocol.TypeData, payload, protocol.TypeData)
	return err
}

// Heartbeat sends a HEARTBEAT and waits for the echo, returning the
// round-trip time
func (c *Client) Heartbeat(ctx context.Context, payload []byte) (time.Duration, error) {
	start := time.Now()
	reply, err := c.roundTrip(ctx, protocol.TypeHeartbeat, payload, protocol.TypeHeartbeat)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(reply.Payload, payload) {
		return 0, errors.New("heartbeat echo mismatch")
	}
	return time.Since(start), nil
}

// Close closes the connection. It does not wait for an in-flight call,
// which fails with a closed-connection error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// withDeadline applies ctx's deadline to the socket for the duration of fn
func (c *Client) withDeadline(ctx context.Context, fn func() error) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}
	return fn()
}
