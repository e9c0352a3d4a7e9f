package framegate

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Admin serves operator endpoints next to the frame listener: Prometheus
// metrics and a JSON health probe over HTTP, and optionally the standard
// gRPC health service.
type Admin struct {
	cfg       MetricsConfig
	metrics   *Metrics
	liveConns func() int
	logger    *Logger
	started   time.Time

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server

	mu      sync.Mutex
	serving bool
}

// HealthReport is the body of GET /healthz
type HealthReport struct {
	Status      string          `json:"status"`
	Connections int             `json:"connections"`
	Uptime      string          `json:"uptime"`
	Stats       MetricsSnapshot `json:"stats"`
}

// NewAdmin creates the admin endpoint
func NewAdmin(cfg MetricsConfig, metrics *Metrics, liveConns func() int, logger *Logger) *Admin {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if logger == nil {
		logger = NopLogger()
	}
	a := &Admin{
		cfg:       cfg,
		metrics:   metrics,
		liveConns: liveConns,
		logger:    logger.WithComponent("admin"),
		started:   time.Now(),
		serving:   true,
	}
	a.httpSrv = &http.Server{
		Addr:              cfg.Endpoint,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.GRPCHealthEndpoint != "" {
		a.health = health.NewServer()
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		a.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpcSrv, a.health)
	}
	return a
}

// Handler returns the HTTP mux with /metrics and /healthz
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealth)
	return mux
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:      "serving",
		Connections: a.liveConns(),
		Uptime:      time.Since(a.started).Round(time.Second).String(),
		Stats:       a.metrics.Snapshot(),
	}
	code := http.StatusOK
	if !a.Serving() {
		report.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	body, err := jsonMarshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Serving reports whether the server is accepting connections
func (a *Admin) Serving() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serving
}

// SetServing flips both health endpoints
func (a *Admin) SetServing(ok bool) {
	a.mu.Lock()
	a.serving = ok
	a.mu.Unlock()

	if a.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus("", status)
}

// Serve runs the HTTP and gRPC listeners until Shutdown
func (a *Admin) Serve(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("admin endpoint listening", "addr", a.cfg.Endpoint, "path", a.cfg.Path)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.grpcSrv != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPCHealthEndpoint)
		if err != nil {
			_ = a.httpSrv.Close()
			return err
		}
		g.Go(func() error {
			a.logger.Info("grpc health listening", "addr", lis.Addr().String())
			if err := a.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown stops both listeners
func (a *Admin) Shutdown(ctx context.Context) error {
	a.SetServing(false)
	if a.grpcSrv != nil {
		a.health.Shutdown()
		a.grpcSrv.GracefulStop()
	}
	return a.httpSrv.Shutdown(ctx)
}
