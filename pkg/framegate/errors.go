package framegate

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Error taxonomy. ProtocolViolation is fatal to one connection;
// AuthFailure and DownstreamUnavailable are recoverable;
// ResourceExhausted makes the acceptor back off.
var (
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrAuthFailure           = errors.New("authentication failed")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrServerClosed          = errors.New("server closed")
	ErrNotFound              = errors.New("connection not found")
	ErrAlreadyRegistered     = errors.New("connection already registered")
	ErrIdleTimeout           = errors.New("idle timeout")
	ErrSlowConsumer          = errors.New("outbound queue full")
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection reset.
// These are logged at debug level rather than as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// isTimeout reports whether err is a deadline expiry
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isResourceExhaustion reports accept errors caused by descriptor limits
func isResourceExhaustion(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EMFILE || errno == syscall.ENFILE ||
			errno == syscall.ENOBUFS || errno == syscall.ENOMEM
	}
	return false
}
