package redisstream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, Settings{}.Validate())

	s := DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())

	s.Group = ""
	require.ErrorContains(t, s.Validate(), "consumer group")
}

func TestBuildPubSub_InMemory(t *testing.T) {
	ps, err := BuildPubSub(context.Background(), Settings{})
	require.NoError(t, err)
	defer func() { require.NoError(t, ps.Close()) }()
	require.Nil(t, ps.Redis)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := ps.Subscriber.Subscribe(ctx, "topic")
	require.NoError(t, err)

	require.NoError(t, ps.Publisher.Publish("topic", message.NewMessage(watermill.NewUUID(), []byte("hello"))))
	select {
	case msg := <-ch:
		require.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildPubSub_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := BuildPubSub(ctx, Settings{Enabled: true, Addr: "127.0.0.1:1", Group: "g", Consumer: "c"})
	require.ErrorContains(t, err, "ping redis")
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.With(watermill.LogFields{"topic": "t"}).Info("subscribed", watermill.LogFields{"n": 1})
	l.Error("failed", errors.New("boom"), nil)
	l.Trace("hidden", nil)

	out := buf.String()
	require.Contains(t, out, `"topic":"t"`)
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"error":"boom"`)
	require.NotContains(t, out, "hidden")
}
