package framegate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/YuminosukeSato/framegate/internal/protocol"
)

// Sink types accepted in SinkConfig.Type
const (
	SinkTypeLog    = "log"
	SinkTypeMem    = "mem"
	SinkTypePubSub = "pubsub"
	SinkTypeRedis  = "redis"
)

// Sink receives payloads forwarded from authenticated connections. The
// envelope is the sink's to keep. A returned error means the payload
// was not accepted; the peer gets no acknowledgment and may retry.
type Sink interface {
	Forward(ctx context.Context, env *protocol.Envelope) error
	Close() error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, env *protocol.Envelope) error

// Forward calls f
func (f SinkFunc) Forward(ctx context.Context, env *protocol.Envelope) error {
	return f(ctx, env)
}

// Close is a no-op
func (f SinkFunc) Close() error { return nil }

// NewSink builds the sink described by cfg
func NewSink(ctx context.Context, cfg SinkConfig, logger *Logger) (Sink, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case SinkTypeLog, "":
		return NewLogSink(logger), nil
	case SinkTypeMem:
		url := cfg.URL
		if url == "" {
			url = "mem://framegate"
		}
		return OpenPubSubSink(ctx, url, codec)
	case SinkTypePubSub:
		if cfg.URL == "" {
			return nil, errors.New("sink.url is required for pubsub sink")
		}
		return OpenPubSubSink(ctx, cfg.URL, codec)
	case SinkTypeRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("sink.redis_addr is required for redis sink")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisSink(client, cfg.RedisStream, codec), nil
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}

// LogSink writes every envelope to the logger. Useful when no broker
// is deployed.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *Logger) *LogSink {
	if logger == nil {
		logger = NopLogger()
	}
	return &LogSink{logger: logger.WithComponent("sink")}
}

// Forward logs the envelope header and payload size
func (s *LogSink) Forward(ctx context.Context, env *protocol.Envelope) error {
	s.logger.InfoContext(ctx, "payload forwarded",
		"conn_id", env.ConnectionID,
		"type", env.Type,
		"bytes", len(env.Payload))
	return nil
}

// Close is a no-op
func (s *LogSink) Close() error { return nil }

// PubSubSink publishes envelopes to a gocloud.dev pubsub topic
type PubSubSink struct {
	topic *pubsub.Topic
	codec Codec

	closeOnce sync.Once
	closeErr  error
}

// OpenPubSubSink opens the topic at url (for example mem://events or
// gcppubsub://projects/p/topics/t)
func OpenPubSubSink(ctx context.Context, url string, codec Codec) (*PubSubSink, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open topic %s: %w", url, err)
	}
	return NewPubSubSink(topic, codec), nil
}

// NewPubSubSink wraps an already opened topic
func NewPubSubSink(topic *pubsub.Topic, codec Codec) *PubSubSink {
	if codec == nil {
		codec = &JSONCodec{}
	}
	return &PubSubSink{topic: topic, codec: codec}
}

// Forward encodes env and sends it to the topic
func (s *PubSubSink) Forward(ctx context.Context, env *protocol.Envelope) error {
	body, err := s.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"connection_id": env.ConnectionID,
			"type":          strconv.Itoa(int(env.Type)),
			"content_type":  s.codec.ContentType(),
		},
	}
	if err := s.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	return nil
}

// Close flushes and shuts down the topic
func (s *PubSubSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.topic.Shutdown(context.Background())
	})
	return s.closeErr
}

// RedisSink appends envelopes to a Redis stream with XADD
type RedisSink struct {
	client *redis.Client
	stream string
	codec  Codec
}

// NewRedisSink creates a sink writing to stream. The sink owns client.
func NewRedisSink(client *redis.Client, stream string, codec Codec) *RedisSink {
	if codec == nil {
		codec = &JSONCodec{}
	}
	if stream == "" {
		stream = "framegate"
	}
	return &RedisSink{client: client, stream: stream, codec: codec}
}

// Forward encodes env and appends it to the stream
func (s *RedisSink) Forward(ctx context.Context, env *protocol.Envelope) error {
	body, err := s.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"connection_id": env.ConnectionID,
			"type":          int(env.Type),
			"content_type":  s.codec.ContentType(),
			"body":          body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink forwards to every sink in order and succeeds only if all do
type MultiSink []Sink

// Forward delivers env to each sink, collecting failures
func (m MultiSink) Forward(ctx context.Context, env *protocol.Envelope) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Forward(ctx, env); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink
func (m MultiSink) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
