package framegate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"

	"github.com/YuminosukeSato/framegate/internal/protocol"
)

func TestPubSubSinkForward(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("mem://sink-test-%d", time.Now().UnixNano())
	codec, err := NewCodec(CodecMessagePack)
	require.NoError(t, err)

	sink, err := OpenPubSubSink(ctx, url, codec)
	require.NoError(t, err)
	defer sink.Close()

	sub, err := pubsub.OpenSubscription(ctx, url)
	require.NoError(t, err)
	defer sub.Shutdown(ctx)

	env := protocol.NewEnvelope("conn-1", protocol.TypeData, []byte("payload"), time.Now())
	require.NoError(t, sink.Forward(ctx, env))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	msg.Ack()

	assert.Equal(t, "conn-1", msg.Metadata["connection_id"])
	assert.Equal(t, "2", msg.Metadata["type"])
	assert.Equal(t, "application/msgpack", msg.Metadata["content_type"])

	var got protocol.Envelope
	require.NoError(t, codec.Unmarshal(msg.Body, &got))
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestPubSubSinkForwardAfterClose(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenPubSubSink(ctx, fmt.Sprintf("mem://closed-%d", time.Now().UnixNano()), nil)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "Close must be idempotent")

	err = sink.Forward(ctx, protocol.NewEnvelope("c", protocol.TypeData, nil, time.Now()))
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
}

func TestRedisSinkUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	sink := NewRedisSink(client, "", nil)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sink.Forward(ctx, protocol.NewEnvelope("c", protocol.TypeData, []byte("x"), time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.Equal(t, "framegate", sink.stream)
}

func TestMultiSink(t *testing.T) {
	var delivered []string
	ok := SinkFunc(func(_ context.Context, env *protocol.Envelope) error {
		delivered = append(delivered, env.ConnectionID)
		return nil
	})
	failing := SinkFunc(func(context.Context, *protocol.Envelope) error {
		return ErrDownstreamUnavailable
	})

	env := protocol.NewEnvelope("c1", protocol.TypeData, nil, time.Now())

	require.NoError(t, MultiSink{ok, ok}.Forward(context.Background(), env))
	assert.Equal(t, []string{"c1", "c1"}, delivered)

	err := MultiSink{ok, failing}.Forward(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDownstreamUnavailable))
	assert.NoError(t, MultiSink{ok, failing}.Close())
}

func TestNewSinkValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewSink(ctx, SinkConfig{Type: SinkTypePubSub}, nil)
	assert.Error(t, err)

	_, err = NewSink(ctx, SinkConfig{Type: SinkTypeRedis}, nil)
	assert.Error(t, err)

	_, err = NewSink(ctx, SinkConfig{Type: SinkTypeLog, Codec: "yaml"}, nil)
	assert.Error(t, err)

	s, err := NewSink(ctx, SinkConfig{Type: SinkTypeMem, URL: fmt.Sprintf("mem://new-%d", time.Now().UnixNano())}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
