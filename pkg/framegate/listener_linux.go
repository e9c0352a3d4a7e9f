//go:build linux

package framegate

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener. A positive backlog replaces the kernel
// default (somaxconn) by re-issuing listen(2) on the bound socket.
func listen(ctx context.Context, addr string, backlog int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		return ln, nil
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return ln, nil
	}
	rc, err := tcpLn.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	var lerr error
	if err := rc.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), backlog)
	}); err != nil {
		lerr = err
	}
	if lerr != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set listen backlog %d: %w", backlog, lerr)
	}
	return ln, nil
}
