package framegate

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics tracks server counters. Every counter is mirrored into a
// Prometheus registry owned by the Metrics value, so several servers in
// one process (tests) do not collide on registration.
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted atomic.Uint64
	ConnectionsClosed   atomic.Uint64
	ConnectionsRejected atomic.Uint64
	AcceptErrors        atomic.Uint64

	// Frame metrics
	FramesIn           atomic.Uint64
	FramesOut          atomic.Uint64
	BytesIn            atomic.Uint64
	ProtocolViolations atomic.Uint64

	// Dispatch metrics
	AuthSuccesses   atomic.Uint64
	AuthFailures    atomic.Uint64
	Forwarded       atomic.Uint64
	ForwardFailures atomic.Uint64
	IdleTimeouts    atomic.Uint64

	registry *prometheus.Registry

	promAccepted    prometheus.Counter
	promClosed      *prometheus.CounterVec
	promRejected    prometheus.Counter
	promAcceptErrs  prometheus.Counter
	promIdle        prometheus.Counter
	promViolations  prometheus.Counter
	promFrames      *prometheus.CounterVec
	promBytesIn     prometheus.Counter
	promAuth        *prometheus.CounterVec
	promForward     *prometheus.CounterVec
	promDispatchDur prometheus.Histogram
}

// NewMetrics creates a metrics tracker. liveConns, if non-nil, backs the
// live connection gauge.
func NewMetrics(liveConns func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		promAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_connections_accepted_total",
			Help: "Total number of accepted connections.",
		}),
		promClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framegate_connections_closed_total",
			Help: "Total number of closed connections by reason.",
		}, []string{"reason"}),
		promRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_connections_rejected_total",
			Help: "Connections closed at accept because a limit was reached.",
		}),
		promAcceptErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_accept_errors_total",
			Help: "Accept calls that failed and were retried.",
		}),
		promIdle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_idle_timeouts_total",
			Help: "Connections closed because no heartbeat arrived in time.",
		}),
		promViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_protocol_violations_total",
			Help: "Malformed, unknown or out-of-phase frames.",
		}),
		promFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framegate_frames_total",
			Help: "Frames processed by direction and message kind.",
		}, []string{"direction", "kind"}),
		promBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framegate_received_bytes_total",
			Help: "Total bytes read from peers.",
		}),
		promAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framegate_auth_attempts_total",
			Help: "Authentication attempts by result.",
		}, []string{"result"}),
		promForward: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framegate_forwarded_total",
			Help: "Payloads forwarded downstream by result.",
		}, []string{"result"}),
		promDispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framegate_dispatch_duration_seconds",
			Help:    "Latency of dispatching one frame.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
	}

	m.registry.MustRegister(
		m.promAccepted, m.promClosed, m.promRejected, m.promAcceptErrs,
		m.promIdle, m.promViolations, m.promFrames,
		m.promBytesIn, m.promAuth, m.promForward, m.promDispatchDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if liveConns != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "framegate_connections_live",
			Help: "Number of currently registered connections.",
		}, func() float64 { return float64(liveConns()) }))
	}
	return m
}

// Registry exposes the Prometheus registry for the admin endpoint
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) connAccepted() {
	m.ConnectionsAccepted.Add(1)
	m.promAccepted.Inc()
}

func (m *Metrics) connRejected() {
	m.ConnectionsRejected.Add(1)
	m.promRejected.Inc()
}

func (m *Metrics) connClosed(reason string) {
	m.ConnectionsClosed.Add(1)
	m.promClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) acceptError() {
	m.AcceptErrors.Add(1)
	m.promAcceptErrs.Inc()
}

func (m *Metrics) idleTimeout() {
	m.IdleTimeouts.Add(1)
	m.promIdle.Inc()
}

func (m *Metrics) frameIn(kind string, size int) {
	m.FramesIn.Add(1)
	m.promFrames.WithLabelValues("in", kind).Inc()
	m.BytesIn.Add(uint64(size))
	m.promBytesIn.Add(float64(size))
}

func (m *Metrics) frameOut(kind string) {
	m.FramesOut.Add(1)
	m.promFrames.WithLabelValues("out", kind).Inc()
}

func (m *Metrics) protocolViolation() {
	m.ProtocolViolations.Add(1)
	m.promViolations.Inc()
}

func (m *Metrics) auth(ok bool) {
	if ok {
		m.AuthSuccesses.Add(1)
		m.promAuth.WithLabelValues("ok").Inc()
		return
	}
	m.AuthFailures.Add(1)
	m.promAuth.WithLabelValues("fail").Inc()
}

func (m *Metrics) forward(ok bool) {
	if ok {
		m.Forwarded.Add(1)
		m.promForward.WithLabelValues("ok").Inc()
		return
	}
	m.ForwardFailures.Add(1)
	m.promForward.WithLabelValues("fail").Inc()
}

func (m *Metrics) observeDispatch(d time.Duration) {
	m.promDispatchDur.Observe(d.Seconds())
}

// Snapshot returns a point-in-time copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsAccepted: m.ConnectionsAccepted.Load(),
		ConnectionsClosed:   m.ConnectionsClosed.Load(),
		ConnectionsRejected: m.ConnectionsRejected.Load(),
		AcceptErrors:        m.AcceptErrors.Load(),
		FramesIn:            m.FramesIn.Load(),
		FramesOut:           m.FramesOut.Load(),
		BytesIn:             m.BytesIn.Load(),
		ProtocolViolations:  m.ProtocolViolations.Load(),
		AuthSuccesses:       m.AuthSuccesses.Load(),
		AuthFailures:        m.AuthFailures.Load(),
		Forwarded:           m.Forwarded.Load(),
		ForwardFailures:     m.ForwardFailures.Load(),
		IdleTimeouts:        m.IdleTimeouts.Load(),
		Timestamp:           time.Now(),
	}
}

// MetricsSnapshot represents a point-in-time metrics snapshot
type MetricsSnapshot struct {
	// Connections
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsClosed   uint64 `json:"connections_closed"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	AcceptErrors        uint64 `json:"accept_errors"`

	// Frames
	FramesIn           uint64 `json:"frames_in"`
	FramesOut          uint64 `json:"frames_out"`
	BytesIn            uint64 `json:"bytes_in"`
	ProtocolViolations uint64 `json:"protocol_violations"`

	// Dispatch
	AuthSuccesses   uint64 `json:"auth_successes"`
	AuthFailures    uint64 `json:"auth_failures"`
	Forwarded       uint64 `json:"forwarded"`
	ForwardFailures uint64 `json:"forward_failures"`
	IdleTimeouts    uint64 `json:"idle_timeouts"`

	// Timestamp
	Timestamp time.Time `json:"timestamp"`
}
