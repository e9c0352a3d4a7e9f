package framegate

import (
	"context"
	"fmt"
	"time"

	"github.com/YuminosukeSato/framegate/internal/framing"
	"github.com/YuminosukeSato/framegate/internal/protocol"
)

// Outcome is the result of dispatching one message. Response, when
// set, is written before the connection is closed. Close with a nil
// Response is a silent close.
type Outcome struct {
	Response *framing.Frame
	Close    bool
	Err      error
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Protocol    ProtocolConfig
	SinkTimeout time.Duration
	Metrics     *Metrics
	Logger      *Logger
}

// Dispatcher applies the per-connection state machine to decoded
// messages. It holds no per-connection data of its own: state is looked
// up in the Registry by connection id on every call.
type Dispatcher struct {
	registry    *Registry
	auth        Authenticator
	sink        Sink
	policy      ProtocolConfig
	allowed     map[uint16]struct{}
	sinkTimeout time.Duration
	metrics     *Metrics
	logger      *Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(registry *Registry, auth Authenticator, sink Sink, opts DispatcherOptions) *Dispatcher {
	if auth == nil {
		auth = NewTokenAuthenticator()
	}
	if sink == nil {
		sink = NewLogSink(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(registry.Count)
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	return &Dispatcher{
		registry:    registry,
		auth:        auth,
		sink:        sink,
		policy:      opts.Protocol,
		allowed:     opts.Protocol.allowedTypeSet(),
		sinkTimeout: opts.SinkTimeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Classify maps a raw frame onto a protocol message using the
// configured whitelist
func (d *Dispatcher) Classify(f framing.Frame) protocol.Message {
	return protocol.NewMessage(f.Type, f.Payload, d.allowed)
}

// Dispatch handles one message for connection connID. Calls for a
// single connection must be sequential.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, msg protocol.Message) Outcome {
	start := d.now()
	defer func() { d.metrics.observeDispatch(d.now().Sub(start)) }()

	state, err := d.registry.Get(connID)
	if err != nil {
		return Outcome{Close: true, Err: err}
	}
	if state.Phase() == PhaseClosed {
		return Outcome{Close: true, Err: ErrServerClosed}
	}

	state.Touch(start)
	d.metrics.frameIn(msg.Type.Kind.String(), len(msg.Payload))

	switch msg.Type.Kind {
	case protocol.KindHeartbeat:
		return d.respond(protocol.TypeHeartbeat, msg.Payload)
	case protocol.KindAuth:
		return d.authenticate(ctx, state, msg)
	case protocol.KindData, protocol.KindApplication:
		return d.forward(ctx, state, msg, start)
	case protocol.KindUnknown:
		return d.violation(fmt.Errorf("%w: unknown message type %s", ErrProtocolViolation, msg.Type))
	}
	return d.violation(fmt.Errorf("%w: unhandled message kind %d", ErrProtocolViolation, msg.Type.Kind))
}

// Malformed records a decoder rejection and returns the silent-close outcome
func (d *Dispatcher) Malformed(err error) Outcome {
	return d.violation(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
}

func (d *Dispatcher) authenticate(ctx context.Context, state *ConnState, msg protocol.Message) Outcome {
	ok, err := d.auth.Verify(ctx, msg.Payload)
	if err != nil {
		d.logger.WarnContext(ctx, "authenticator error", "conn_id", state.ID(), "error", err)
		ok = false
	}
	d.metrics.auth(ok)

	if ok {
		state.authFailures.Store(0)
		if !state.markAuthenticated() {
			return Outcome{Close: true, Err: ErrServerClosed}
		}
		d.logger.DebugContext(ctx, "connection authenticated", "conn_id", state.ID())
		return d.respond(protocol.TypeAuth, []byte{protocol.AuthOK})
	}

	failures := int(state.authFailures.Add(1))
	out := d.respond(protocol.TypeAuth, []byte{protocol.AuthFail})
	if limit := d.policy.MaxAuthFailures; limit > 0 && failures >= limit {
		out.Close = true
		out.Err = fmt.Errorf("%w: %d consecutive failures", ErrAuthFailure, failures)
	}
	return out
}

func (d *Dispatcher) forward(ctx context.Context, state *ConnState, msg protocol.Message, receivedAt time.Time) Outcome {
	if !state.Authenticated() {
		return d.violation(fmt.Errorf("%w: %s before authentication", ErrProtocolViolation, msg.Type))
	}

	env := protocol.NewEnvelope(state.ID(), msg.Type.Code, msg.Payload, receivedAt)
	if err := d.sendToSink(ctx, env); err != nil {
		d.metrics.forward(false)
		d.logger.WarnContext(ctx, "forward failed", "conn_id", state.ID(), "error", err)
		return Outcome{Err: err}
	}
	d.metrics.forward(true)

	if d.policy.AckData {
		return d.respond(msg.Type.Code, nil)
	}
	return Outcome{}
}

// sendToSink bounds the sink call by sinkTimeout and turns a panicking
// sink into an ordinary failure
func (d *Dispatcher) sendToSink(ctx context.Context, env *protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sink panic: %v", ErrDownstreamUnavailable, r)
		}
	}()

	if d.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sinkTimeout)
		defer cancel()
	}
	return d.sink.Forward(ctx, env)
}

func (d *Dispatcher) respond(typ uint16, payload []byte) Outcome {
	return Outcome{Response: framing.NewFrame(typ, payload)}
}

func (d *Dispatcher) violation(err error) Outcome {
	d.metrics.protocolViolation()
	return Outcome{Close: true, Err: err}
}
