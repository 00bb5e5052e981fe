package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
	"github.com/go-go-golems/chatagent/pkg/persistence/chatstore"
)

func newTestConvManager(t *testing.T, h chatagent.ChatHandler) (*ConvManager, chatstore.MessageStore) {
	t.Helper()
	store := chatstore.NewInMemoryMessageStore()
	cm := NewConvManager(ConvManagerOptions{BaseCtx: context.Background(), Store: store, Handler: h})
	t.Cleanup(cm.Close)
	return cm, store
}

func backdate(conv *Conversation, d time.Duration) {
	conv.mu.Lock()
	conv.lastActivity = time.Now().Add(-d)
	conv.mu.Unlock()
}

func TestConvManagerEvictIdleOnce(t *testing.T) {
	cm, store := newTestConvManager(t, nil)
	cm.SetEvictionConfig(10*time.Second, time.Second)

	conv, err := cm.GetOrCreate("c1")
	require.NoError(t, err)
	backdate(conv, time.Hour)

	evicted := cm.evictIdleOnce(time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)

	_, ok := cm.GetConversation("c1")
	require.False(t, ok)

	_, err = store.Load(context.Background(), "c1")
	require.NoError(t, err)
}

func TestConvManagerEvictIdleOnce_SkipsAttached(t *testing.T) {
	cm, _ := newTestConvManager(t, nil)
	cm.SetEvictionConfig(10*time.Second, time.Second)

	conv, _, err := cm.Attach("c1", newStubConn(false))
	require.NoError(t, err)
	backdate(conv, time.Hour)

	require.Equal(t, 0, cm.evictIdleOnce(time.Now().Add(time.Hour)))
	_, ok := cm.GetConversation("c1")
	require.True(t, ok)
}

func TestConvManagerEvictIdleOnce_SkipsBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := chatagent.ChatHandlerFunc(func(context.Context, chatagent.ChatRequest, chatagent.FinishFunc) (*chatagent.Response, error) {
		close(entered)
		<-release
		return nil, nil
	})
	cm, _ := newTestConvManager(t, h)
	cm.SetEvictionConfig(10*time.Second, time.Second)

	conv, err := cm.GetOrCreate("c1")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- conv.Agent().SaveMessages(context.Background(), []chatproto.Message{chatproto.NewMessage("m1", "user", "hi")})
	}()
	<-entered
	backdate(conv, time.Hour)

	require.Equal(t, 0, cm.evictIdleOnce(time.Now().Add(time.Hour)))
	close(release)
	require.NoError(t, <-done)
}

func TestConvManagerEvictIdleOnce_SkipsRecent(t *testing.T) {
	cm, _ := newTestConvManager(t, nil)
	cm.SetEvictionConfig(10*time.Second, time.Second)

	_, err := cm.GetOrCreate("c1")
	require.NoError(t, err)
	require.Equal(t, 0, cm.evictIdleOnce(time.Now()))
}

func TestConvManagerReloadsEvictedConversation(t *testing.T) {
	cm, _ := newTestConvManager(t, nil)
	cm.SetEvictionConfig(time.Millisecond, time.Millisecond)

	conv, err := cm.GetOrCreate("c1")
	require.NoError(t, err)
	err = conv.Agent().SaveMessages(context.Background(), []chatproto.Message{chatproto.NewMessage("m1", "user", "hi")})
	require.ErrorIs(t, err, chatagent.ErrHandlerNotImplemented)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return cm.Count() == 0 }, time.Second, 5*time.Millisecond)

	again, err := cm.GetOrCreate("c1")
	require.NoError(t, err)
	require.NotSame(t, conv, again)
	require.Len(t, again.Agent().Messages(), 1)
}

func TestConvManagerRejectsEmptyName(t *testing.T) {
	cm, _ := newTestConvManager(t, nil)
	_, err := cm.GetOrCreate("  ")
	require.Error(t, err)
}

func TestConvManagerSaveMessagesReloadsEvictedAgent(t *testing.T) {
	h := chatagent.ChatHandlerFunc(func(context.Context, chatagent.ChatRequest, chatagent.FinishFunc) (*chatagent.Response, error) {
		return nil, nil
	})
	cm, store := newTestConvManager(t, h)
	cm.SetEvictionConfig(time.Minute, time.Second)

	conv, err := cm.GetOrCreate("idle")
	require.NoError(t, err)
	backdate(conv, time.Hour)
	require.Equal(t, 1, cm.evictIdleOnce(time.Now().Add(2*time.Hour)))

	msgs := []chatproto.Message{chatproto.NewMessage("m1", "user", "scheduled")}
	require.ErrorIs(t, conv.Agent().SaveMessages(context.Background(), msgs), chatagent.ErrAgentClosed)

	require.NoError(t, cm.SaveMessages(context.Background(), conv.ID, msgs))
	again, ok := cm.GetConversation("idle")
	require.True(t, ok)
	require.NotSame(t, conv, again)
	require.Len(t, again.Agent().Messages(), 1)

	stored, err := store.Load(context.Background(), "idle")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestConvManagerRejectsAfterClose(t *testing.T) {
	cm, _ := newTestConvManager(t, nil)
	cm.Close()

	_, err := cm.GetOrCreate("c1")
	require.ErrorIs(t, err, errConvManagerClosed)
	require.ErrorIs(t, cm.SaveMessages(context.Background(), "c1", nil), errConvManagerClosed)
	require.Equal(t, 0, cm.Count())
}
