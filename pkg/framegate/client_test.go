package framegate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentPeer accepts one connection and never writes to it
func silentPeer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- nc
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		if nc, ok := <-accepted; ok {
			_ = nc.Close()
		}
	})
	return ln.Addr().String()
}

func TestClientCloseInterruptsPendingRead(t *testing.T) {
	c, err := Dial(context.Background(), ClientConfig{Address: silentPeer(t), DialTimeout: 2 * time.Second})
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame(context.Background())
		readErr <- err
	}()

	// let the read block on the socket
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a pending read")
	}

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending read was not interrupted")
	}
}

func TestClientCallsAfterClose(t *testing.T) {
	c, err := Dial(context.Background(), ClientConfig{Address: silentPeer(t), DialTimeout: 2 * time.Second})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Heartbeat(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), net.ErrClosed)
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{})
	assert.Error(t, err)
}
