package bench

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/YuminosukeSato/framegate/internal/framing"
	"github.com/YuminosukeSato/framegate/internal/protocol"
	"github.com/YuminosukeSato/framegate/pkg/framegate"
)

// BenchmarkTryDecode benchmarks decoding one frame at various payload sizes
func BenchmarkTryDecode(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"Small-64B", 64},
		{"Medium-4KB", 4 * 1024},
		{"Large-256KB", 256 * 1024},
	}

	for _, s := range sizes {
		b.Run(s.name, func(b *testing.B) {
			wire := framing.NewFrame(protocol.TypeData, make([]byte, s.size)).Marshal()
			buf := framing.NewBuffer(len(wire))

			b.SetBytes(int64(len(wire)))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = buf.Write(wire)
				if _, status, err := framing.TryDecode(buf, framing.DefaultMaxFrameLength); status != framing.Complete {
					b.Fatalf("status = %v, err = %v", status, err)
				}
			}
		})
	}
}

// BenchmarkDecodeCoalesced benchmarks draining many frames from one read
func BenchmarkDecodeCoalesced(b *testing.B) {
	for _, n := range []int{1, 16, 256} {
		b.Run(fmt.Sprintf("Frames-%d", n), func(b *testing.B) {
			var wire []byte
			for i := 0; i < n; i++ {
				wire = framing.AppendFrame(wire, protocol.TypeHeartbeat, []byte("ping"))
			}
			buf := framing.NewBuffer(len(wire))

			b.SetBytes(int64(len(wire)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = buf.Write(wire)
				frames, err := framing.DecodeAll(buf, framing.DefaultMaxFrameLength)
				if err != nil || len(frames) != n {
					b.Fatalf("decoded %d frames, err = %v", len(frames), err)
				}
			}
		})
	}
}

// BenchmarkHeartbeat benchmarks a heartbeat round trip through a live server
func BenchmarkHeartbeat(b *testing.B) {
	srv := startBenchServer(b)
	client := dialBench(b, srv)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Heartbeat(ctx, []byte("ping")); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkForward benchmarks acknowledged DATA frames with various payload sizes
func BenchmarkForward(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"Small-100B", 100},
		{"Medium-10KB", 10 * 1024},
		{"Large-1MB", 1024 * 1024},
	}

	for _, s := range sizes {
		b.Run(s.name, func(b *testing.B) {
			srv := startBenchServer(b)
			client := dialBench(b, srv)
			ctx := context.Background()
			authenticate(b, client)
			payload := make([]byte, s.size)

			b.SetBytes(int64(s.size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := client.SendAcked(ctx, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkConcurrentConnections benchmarks many peers sending at once
func BenchmarkConcurrentConnections(b *testing.B) {
	for _, conns := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("Conns-%d", conns), func(b *testing.B) {
			srv := startBenchServer(b)
			clients := make(chan *framegate.Client, conns)
			for i := 0; i < conns; i++ {
				c := dialBench(b, srv)
				authenticate(b, c)
				clients <- c
			}

			var mu sync.Mutex
			var firstErr error
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				c := <-clients
				defer func() { clients <- c }()
				for pb.Next() {
					if err := c.SendAcked(context.Background(), []byte("reading")); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
				}
			})
			if firstErr != nil {
				b.Fatal(firstErr)
			}
		})
	}
}

// Helper functions

func startBenchServer(b *testing.B) *framegate.Server {
	b.Helper()
	cfg := framegate.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Auth.Mode = framegate.AuthModeAllowAll
	cfg.Metrics.Enabled = false

	discard := framegate.SinkFunc(func(context.Context, *protocol.Envelope) error { return nil })
	srv, err := framegate.NewServer(cfg, framegate.WithLogger(framegate.NopLogger()), framegate.WithSink(discard))
	if err != nil {
		b.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		b.Fatalf("Failed to start server: %v", err)
	}
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func dialBench(b *testing.B, srv *framegate.Server) *framegate.Client {
	b.Helper()
	c, err := framegate.Dial(context.Background(), framegate.ClientConfig{Address: srv.Addr().String()})
	if err != nil {
		b.Fatalf("Failed to connect: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

func authenticate(b *testing.B, c *framegate.Client) {
	b.Helper()
	ok, err := c.Authenticate(context.Background(), []byte("bench"))
	if err != nil || !ok {
		b.Fatalf("Failed to authenticate: ok=%v err=%v", ok, err)
	}
}
