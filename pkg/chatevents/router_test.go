package chatevents

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/redisstream"
)

func TestPublisherDeliversToRouterHandlers(t *testing.T) {
	ps, err := redisstream.BuildPubSub(context.Background(), redisstream.Settings{})
	require.NoError(t, err)
	defer func() { _ = ps.Close() }()

	got := make(chan Event, 4)
	router, err := NewRouter(ps, map[string]Handler{
		"collect": func(ev Event) error {
			got <- ev
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	pub := NewPublisher(ps.Publisher)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, pub.PublishEvent(ctx, chatagent.Event{
		Kind:         chatagent.EventConversationUpdated,
		Conversation: "support",
		MessageCount: 3,
		Excluded:     []string{"conn-1"},
		At:           at,
	}))
	require.NoError(t, pub.PublishEvent(ctx, chatagent.Event{Kind: chatagent.EventConversationCleared, Conversation: "support", At: at}))

	first := waitEvent(t, got)
	require.Equal(t, chatagent.EventConversationUpdated, first.Kind)
	require.Equal(t, "support", first.Conversation)
	require.Equal(t, 3, first.MessageCount)
	require.Equal(t, []string{"conn-1"}, first.Excluded)
	require.True(t, at.Equal(first.At))

	second := waitEvent(t, got)
	require.Equal(t, chatagent.EventConversationCleared, second.Kind)
	require.NoError(t, router.Close())
}

func TestPublisherSetsMetadata(t *testing.T) {
	ps, err := redisstream.BuildPubSub(context.Background(), redisstream.Settings{})
	require.NoError(t, err)
	defer func() { _ = ps.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := ps.Subscriber.Subscribe(ctx, Topic)
	require.NoError(t, err)

	require.NoError(t, NewPublisher(ps.Publisher).PublishEvent(ctx, chatagent.Event{Kind: chatagent.EventConversationCleared, Conversation: "c1"}))
	select {
	case msg := <-ch:
		require.Equal(t, "conversation.cleared", msg.Metadata.Get("kind"))
		require.Equal(t, "c1", msg.Metadata.Get("conversation"))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(message.NewMessage(watermill.NewUUID(), []byte("not json")))
	require.Error(t, err)
	_, err = Decode(nil)
	require.Error(t, err)
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	require.Error(t, p.PublishEvent(context.Background(), chatagent.Event{}))
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
