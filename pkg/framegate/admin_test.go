package framegate

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestAdminMetricsEndpoint(t *testing.T) {
	m := NewMetrics(func() int { return 3 })
	m.connAccepted()
	m.frameIn("heartbeat", 4)
	m.auth(false)

	admin := NewAdmin(MetricsConfig{Path: "/metrics"}, m, func() int { return 3 }, nil)
	ts := httptest.NewServer(admin.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, text, "framegate_connections_accepted_total 1")
	assert.Contains(t, text, "framegate_connections_live 3")
	assert.Contains(t, text, `framegate_frames_total{direction="in",kind="heartbeat"} 1`)
	assert.Contains(t, text, `framegate_auth_attempts_total{result="fail"} 1`)
}

func TestAdminHealthz(t *testing.T) {
	m := NewMetrics(nil)
	admin := NewAdmin(MetricsConfig{}, m, func() int { return 7 }, nil)
	ts := httptest.NewServer(admin.Handler())
	defer ts.Close()

	get := func() (int, HealthReport) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var report HealthReport
		require.NoError(t, jsonUnmarshal(body, &report))
		return resp.StatusCode, report
	}

	code, report := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "serving", report.Status)
	assert.Equal(t, 7, report.Connections)

	admin.SetServing(false)
	code, report = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "shutting_down", report.Status)
}

func TestAdminGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpLis.Addr().String()
	require.NoError(t, httpLis.Close())

	admin := NewAdmin(MetricsConfig{Endpoint: httpAddr, GRPCHealthEndpoint: addr}, NewMetrics(nil), func() int { return 0 }, nil)
	served := make(chan error, 1)
	go func() { served <- admin.Serve(context.Background()) }()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		var status healthpb.HealthCheckResponse_ServingStatus
		require.Eventually(t, func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
			if err != nil {
				return false
			}
			status = resp.GetStatus()
			return true
		}, 5*time.Second, 50*time.Millisecond)
		return status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	admin.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, admin.Shutdown(ctx))
	require.NoError(t, <-served)
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics(nil)
	m.connAccepted()
	m.connAccepted()
	m.connRejected()
	m.connClosed(reasonIdle)
	m.frameIn("data", 10)
	m.frameOut("data")
	m.protocolViolation()
	m.forward(true)
	m.forward(false)
	m.acceptError()
	m.idleTimeout()

	s := m.Snapshot()
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"accepted", s.ConnectionsAccepted, 2},
		{"rejected", s.ConnectionsRejected, 1},
		{"closed", s.ConnectionsClosed, 1},
		{"frames in", s.FramesIn, 1},
		{"bytes in", s.BytesIn, 10},
		{"frames out", s.FramesOut, 1},
		{"violations", s.ProtocolViolations, 1},
		{"forwarded", s.Forwarded, 1},
		{"forward failures", s.ForwardFailures, 1},
		{"accept errors", s.AcceptErrors, 1},
		{"idle timeouts", s.IdleTimeouts, 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetricsCountersMirroredToPrometheus(t *testing.T) {
	m := NewMetrics(nil)
	m.acceptError()
	m.acceptError()
	m.idleTimeout()
	m.protocolViolation()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.promAcceptErrs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promViolations))

	expected := `
# HELP framegate_idle_timeouts_total Connections closed because no heartbeat arrived in time.
# TYPE framegate_idle_timeouts_total counter
framegate_idle_timeouts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "framegate_idle_timeouts_total"))
}
