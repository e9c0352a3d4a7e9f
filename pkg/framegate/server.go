package framegate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Accept backoff bounds, the same progression net/http uses
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// forceCloseGrace bounds the wait for connection goroutines after their
// sockets were closed forcibly
const forceCloseGrace = 2 * time.Second

// Option configures a Server
type Option func(*Server)

// WithAuthenticator overrides the authenticator built from AuthConfig
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithSink overrides the sink built from SinkConfig
func WithSink(sink Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithLogger sets the server logger
func WithLogger(l *Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry supplies the connection registry, for callers that
// inspect it directly
func WithRegistry(r *Registry) Option {
	return func(s *Server) { s.registry = r }
}

// Server is the acceptor/worker runtime. One goroutine accepts; every
// accepted socket gets its own goroutine that performs all reads,
// decoding, dispatch and writes for that connection.
type Server struct {
	cfg        Config
	logger     *Logger
	registry   *Registry
	auth       Authenticator
	sink       Sink
	dispatcher *Dispatcher
	metrics    *Metrics
	admin      *Admin
	limiter    *rate.Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closing  bool
	wg       sync.WaitGroup

	shutdown atomic.Bool
}

// NewServer builds a server from cfg. The listener is not opened until
// Listen, Start or Run is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		conns: make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = NewLogger(cfg.Logging)
	}
	s.logger = s.logger.WithComponent("server")
	if s.registry == nil {
		s.registry = NewRegistry(0)
	}
	if s.auth == nil {
		auth, err := NewAuthenticator(cfg.Auth)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	if s.sink == nil {
		sink, err := NewSink(s.baseCtx, cfg.Sink, s.logger)
		if err != nil {
			s.baseCancel()
			return nil, fmt.Errorf("failed to create sink: %w", err)
		}
		s.sink = sink
	}

	s.metrics = NewMetrics(s.registry.Count)
	s.dispatcher = NewDispatcher(s.registry, s.auth, s.sink, DispatcherOptions{
		Protocol:    cfg.Protocol,
		SinkTimeout: cfg.Sink.Timeout,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})
	if cfg.Server.AcceptRate > 0 {
		burst := cfg.Server.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.AcceptRate), burst)
	}
	if cfg.Metrics.Enabled {
		s.admin = NewAdmin(cfg.Metrics, s.metrics, s.registry.Count, s.logger)
	}

	return s, nil
}

// Listen opens the listening socket
func (s *Server) Listen() error {
	ln, err := listen(s.baseCtx, s.cfg.Server.Addr(), s.cfg.Server.ListenBacklog)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.logger.Info("listening", "addr", ln.Addr().String(), "backlog", s.cfg.Server.ListenBacklog)
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and runs the accept loop in the background
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error("accept loop stopped", "error", err)
		}
	}()
	return nil
}

// Run listens, serves connections and the admin endpoint, and shuts
// down gracefully once ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Serve accepts connections until the server shuts down. It always
// returns a non-nil error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	var backoff time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.baseCtx); err != nil {
				return ErrServerClosed
			}
		}

		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.metrics.acceptError()
			if isResourceExhaustion(err) {
				err = fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
			s.logger.Warn("accept error; retrying", "error", err, "backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-s.baseCtx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0
		s.handle(nc)
	}
}

// handle registers nc and hands it to its own goroutine
func (s *Server) handle(nc net.Conn) {
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.registry.Count() >= limit {
		s.metrics.connRejected()
		_ = nc.Close()
		s.logger.Debug("connection rejected", "remote", nc.RemoteAddr().String(), "live", s.registry.Count())
		return
	}

	state := NewConnState(s.baseCtx, s.registry.NewID(), nc.RemoteAddr().String(), time.Now())
	if err := s.registry.Register(state); err != nil {
		_ = nc.Close()
		s.logger.Error("failed to register connection", "error", err)
		return
	}

	c := newConn(s, nc, state)
	if !s.track(c) {
		s.registry.Unregister(state.ID())
		_ = nc.Close()
		return
	}
	s.metrics.connAccepted()

	go func() {
		defer s.wg.Done()
		c.serve()
	}()
}

// track adds c to the live set. It fails once shutdown has begun so
// that wg.Add never races wg.Wait.
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting, asks every connection to close after its
// in-flight dispatch, and waits for connection goroutines until ctx
// expires. Remaining sockets are then closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil // Already shutting down
	}

	s.logger.Info("shutting down", "live", s.registry.Count())

	var result *multierror.Error

	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	if s.admin != nil {
		s.admin.SetServing(false)
	}

	s.registry.CancelAll()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		remaining := len(s.conns)
		for c := range s.conns {
			c.forceClose()
		}
		s.mu.Unlock()
		s.logger.Warn("shutdown deadline reached; closing connections", "remaining", remaining)
		result = multierror.Append(result, ctx.Err())

		select {
		case <-done:
		case <-time.After(forceCloseGrace):
			result = multierror.Append(result, errors.New("connection goroutines did not exit"))
		}
	}

	s.registry.Clear()

	if err := s.sink.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
	}
	if s.admin != nil {
		adminCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forceCloseGrace)
		defer cancel()
		if err := s.admin.Shutdown(adminCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close admin: %w", err))
		}
	}

	s.logger.Info("server stopped")
	return result.ErrorOrNil()
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	return s.registry.Count()
}

// Registry returns the connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stats returns a snapshot of the server counters
func (s *Server) Stats() MetricsSnapshot {
	return s.metrics.Snapshot()
}
