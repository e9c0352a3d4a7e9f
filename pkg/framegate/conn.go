package framegate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/YuminosukeSato/framegate/internal/framing"
)

// writeTimeout bounds a single socket write to a peer
const writeTimeout = 10 * time.Second

// aLongTimeAgo is a non-zero time in the past used to interrupt reads
var aLongTimeAgo = time.Unix(1, 0)

// Close reasons reported in logs and metrics
const (
	reasonPeerClosed   = "peer_closed"
	reasonIdle         = "idle_timeout"
	reasonViolation    = "protocol_violation"
	reasonAuth         = "auth_failure"
	reasonShutdown     = "shutdown"
	reasonSlowConsumer = "slow_consumer"
	reasonReadError    = "read_error"
	reasonWriteError   = "write_error"
	reasonPanic        = "panic"
)

// outbound is a bounded FIFO of frames waiting to be written. The
// connection goroutine pushes, the writer goroutine pops.
type outbound struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	limit  int
	closed bool
	flush  bool
}

func newOutbound(limit int) *outbound {
	if limit <= 0 {
		limit = 1024
	}
	o := &outbound{q: queue.New(), limit: limit}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push enqueues f. It returns false when the queue is full or closed.
func (o *outbound) push(f *framing.Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.q.Length() >= o.limit {
		return false
	}
	o.q.Add(f)
	o.cond.Signal()
	return true
}

// pop blocks until a frame is available. It returns false once the
// queue is closed and there is nothing left to write.
func (o *outbound) pop() (*framing.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.q.Length() == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.q.Length() == 0 || (o.closed && !o.flush) {
		return nil, false
	}
	return o.q.Remove().(*framing.Frame), true
}

// close stops the queue. With flush the writer drains what is queued,
// otherwise pending frames are dropped.
func (o *outbound) close(flush bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.flush = flush
	o.cond.Broadcast()
}

// conn is the server side of one accepted socket. Its goroutine does
// all reading, decoding and dispatching; a companion writer goroutine
// drains the outbound queue.
type conn struct {
	srv    *Server
	nc     net.Conn
	state  *ConnState
	logger *Logger

	buf *framing.Buffer
	out *outbound

	writerDone  chan struct{}
	writeFailed atomic.Bool
	closeOnce   sync.Once
}

func newConn(srv *Server, nc net.Conn, state *ConnState) *conn {
	return &conn{
		srv:        srv,
		nc:         nc,
		state:      state,
		logger:     srv.logger.WithConn(state.ID(), state.RemoteAddr()),
		buf:        framing.NewBuffer(srv.cfg.Server.ReadBufferSize),
		out:        newOutbound(srv.cfg.Server.WriteQueueSize),
		writerDone: make(chan struct{}),
	}
}

// closeCause records why a connection is being closed. With flush set
// the queued response frames are written before the socket closes.
type closeCause struct {
	reason string
	err    error
	flush  bool
}

// serve runs the connection until it closes for any reason
func (c *conn) serve() {
	cause := closeCause{reason: reasonShutdown}
	defer func() {
		if r := recover(); r != nil {
			cause = closeCause{reason: reasonPanic, err: fmt.Errorf("panic: %v", r)}
			c.logger.Error("connection panic", "panic", r, "stack", string(debug.Stack()))
		}
		c.close(cause)
	}()

	ctx := WithTraceID(c.state.Context())
	c.logger.DebugContext(ctx, "connection opened")

	go c.writeLoop()

	cause = c.readLoop(ctx)
}

// readLoop reads until the peer goes away, a frame forces a close, the
// idle deadline passes or the server cancels the connection
func (c *conn) readLoop(ctx context.Context) closeCause {
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	// dispatch work in flight when shutdown starts is allowed to finish
	dispatchCtx := context.WithoutCancel(ctx)
	idle := c.srv.cfg.Server.IdleTimeout
	readSize := c.srv.cfg.Server.ReadBufferSize
	maxLen := c.srv.cfg.Protocol.MaxFrameLength

	for {
		if ctx.Err() != nil {
			return c.cancelled()
		}

		var deadline time.Time
		if idle > 0 {
			deadline = c.state.LastHeartbeatAt().Add(idle)
		}
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return closeCause{reason: reasonReadError, err: err}
		}
		// cancellation may have landed between the check and the reset
		if ctx.Err() != nil {
			return c.cancelled()
		}

		n, rerr := c.buf.Fill(c.nc, readSize)
		if n > 0 {
			if cause, done := c.drain(dispatchCtx, maxLen); done {
				return cause
			}
		}

		if rerr != nil {
			switch {
			case ctx.Err() != nil:
				return c.cancelled()
			case isTimeout(rerr):
				c.srv.metrics.idleTimeout()
				return closeCause{reason: reasonIdle, err: ErrIdleTimeout}
			case IsExpectedCloseError(rerr):
				return closeCause{reason: reasonPeerClosed}
			default:
				return closeCause{reason: reasonReadError, err: rerr}
			}
		}
	}
}

func (c *conn) cancelled() closeCause {
	if c.writeFailed.Load() {
		return closeCause{reason: reasonWriteError}
	}
	// replies to dispatches that finished during shutdown are still sent
	return closeCause{reason: reasonShutdown, err: ErrServerClosed, flush: true}
}

// drain decodes and dispatches every complete frame in the buffer
func (c *conn) drain(ctx context.Context, maxLen int) (closeCause, bool) {
	d := c.srv.dispatcher
	for {
		frame, status, err := framing.TryDecode(c.buf, maxLen)
		switch status {
		case framing.NeedMoreData:
			return closeCause{}, false
		case framing.Malformed:
			out := d.Malformed(err)
			c.logger.DebugContext(ctx, "malformed frame", "error", err)
			// replies owed to earlier frames still go out, the bad frame gets none
			return closeCause{reason: reasonViolation, err: out.Err, flush: true}, true
		}

		msg := d.Classify(frame)
		c.logger.DebugContext(ctx, "frame received", "type", msg.Type.String(), "bytes", len(frame.Payload))

		out := d.Dispatch(ctx, c.state.ID(), msg)
		if out.Response != nil && c.state.Phase() != PhaseClosed {
			if !c.out.push(out.Response) {
				return closeCause{reason: reasonSlowConsumer, err: ErrSlowConsumer}, true
			}
			c.srv.metrics.frameOut(msg.Type.Kind.String())
		}
		if out.Close {
			return closeCause{reason: closeReason(out.Err), err: out.Err, flush: true}, true
		}
		if out.Err != nil {
			c.logger.DebugContext(ctx, "dispatch error", "error", out.Err)
		}
	}
}

// writeLoop writes queued frames until the queue is closed or a write fails
func (c *conn) writeLoop() {
	defer close(c.writerDone)
	var wire []byte
	for {
		f, ok := c.out.pop()
		if !ok {
			return
		}
		wire = framing.AppendFrame(wire[:0], f.Type, f.Payload)
		_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.nc.Write(wire); err != nil {
			if !IsExpectedCloseError(err) {
				c.logger.Warn("write failed", "error", err)
			}
			c.writeFailed.Store(true)
			c.out.close(false)
			c.state.Cancel()
			return
		}
	}
}

// close tears the connection down exactly once
func (c *conn) close(cause closeCause) {
	c.closeOnce.Do(func() {
		c.state.markClosed()
		c.out.close(cause.flush)
		if cause.flush {
			select {
			case <-c.writerDone:
			case <-time.After(writeTimeout):
			}
		}
		_ = c.nc.Close()
		<-c.writerDone

		c.buf.Reset()
		c.state.Cancel()
		c.srv.metrics.connClosed(cause.reason)
		c.srv.registry.Unregister(c.state.ID())
		c.srv.forget(c)

		switch {
		case cause.err == nil || IsExpectedCloseError(cause.err) || errors.Is(cause.err, ErrServerClosed):
			c.logger.Debug("connection closed", "reason", cause.reason)
		case cause.reason == reasonViolation:
			c.logger.Warn("connection closed", "reason", cause.reason, "error", cause.err)
		default:
			c.logger.Info("connection closed", "reason", cause.reason, "error", cause.err)
		}
	})
}

// forceClose closes the socket from outside the connection goroutine
func (c *conn) forceClose() {
	c.state.Cancel()
	_ = c.nc.Close()
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrAuthFailure):
		return reasonAuth
	case errors.Is(err, ErrProtocolViolation):
		return reasonViolation
	case errors.Is(err, ErrIdleTimeout):
		return reasonIdle
	default:
		return reasonShutdown
	}
}
