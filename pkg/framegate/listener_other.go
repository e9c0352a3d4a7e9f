//go:build !linux

package framegate

import (
	"context"
	"net"
)

// listen opens a TCP listener. The backlog is left to the platform
// default outside Linux.
func listen(ctx context.Context, addr string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
