package webchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
	"github.com/go-go-golems/chatagent/pkg/persistence/chatstore"
)

// Conversation pairs a conversation agent with the websockets observing it.
type Conversation struct {
	ID    string
	agent *chatagent.Agent
	pool  *ConnectionPool

	mu           sync.Mutex
	lastActivity time.Time
}

func (c *Conversation) Agent() *chatagent.Agent { return c.agent }

func (c *Conversation) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

type ConvManagerOptions struct {
	BaseCtx      context.Context
	Store        chatstore.MessageStore
	Handler      chatagent.ChatHandler
	Events       chatagent.EventPublisher
	Metrics      *Metrics
	SendBuffer   int
	WriteTimeout time.Duration
}

// ConvManager owns the in-memory conversations, creating agents on first use
// and evicting idle ones.
type ConvManager struct {
	opts ConvManagerOptions

	mu            sync.Mutex
	conns         map[string]*Conversation
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
	closed        bool
}

var errConvManagerClosed = errors.New("conversation manager closed")

func NewConvManager(opts ConvManagerOptions) *ConvManager {
	if opts.BaseCtx == nil {
		panic("webchat: NewConvManager requires non-nil BaseCtx")
	}
	if opts.Store == nil {
		opts.Store = chatstore.NewInMemoryMessageStore()
	}
	return &ConvManager{opts: opts, conns: map[string]*Conversation{}}
}

func (cm *ConvManager) GetConversation(name string) (*Conversation, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[name]
	return c, ok
}

// GetOrCreate returns the conversation called name, loading its log from the
// store when it is not in memory. The lookup counts as activity.
func (cm *ConvManager) GetOrCreate(name string) (*Conversation, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conv, err := cm.getOrCreateLocked(name)
	if err != nil {
		return nil, err
	}
	conv.touch()
	return conv, nil
}

const saveMessagesAttempts = 3

// SaveMessages runs a headless exchange on the conversation called name. An
// agent evicted between lookup and enqueue is reloaded from the store and
// the call is retried.
func (cm *ConvManager) SaveMessages(ctx context.Context, name string, msgs []chatproto.Message) error {
	var err error
	for attempt := 0; attempt < saveMessagesAttempts; attempt++ {
		var conv *Conversation
		conv, err = cm.GetOrCreate(name)
		if err != nil {
			return err
		}
		err = conv.agent.SaveMessages(ctx, msgs)
		if !errors.Is(err, chatagent.ErrAgentClosed) {
			return err
		}
		log.Debug().Str("component", "webchat").Str("conv_id", conv.ID).Msg("agent closed during save, reloading")
	}
	return err
}

// Attach adds conn to the conversation's pool. Holding the manager lock keeps
// eviction from racing with the attach.
func (cm *ConvManager) Attach(name string, conn wsConn) (*Conversation, *Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conv, err := cm.getOrCreateLocked(name)
	if err != nil {
		return nil, nil, err
	}
	client := conv.pool.Add(conn)
	conv.touch()
	log.Debug().
		Str("component", "webchat").
		Str("conv_id", name).
		Str("conn_id", client.ID()).
		Msg("websocket attached")
	return conv, client, nil
}

func (cm *ConvManager) Detach(conv *Conversation, client *Client) {
	if conv == nil || client == nil {
		return
	}
	conv.pool.Remove(client)
	conv.touch()
	log.Debug().
		Str("component", "webchat").
		Str("conv_id", conv.ID).
		Str("conn_id", client.ID()).
		Msg("websocket detached")
}

func (cm *ConvManager) getOrCreateLocked(name string) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("missing conversation name")
	}
	if cm.closed {
		return nil, errConvManagerClosed
	}
	if c, ok := cm.conns[name]; ok {
		return c, nil
	}

	pool := NewConnectionPool(name, cm.opts.SendBuffer, cm.opts.WriteTimeout)
	metrics := cm.opts.Metrics
	pool.onChange = func(n int) { metrics.setConnections(name, n) }

	agent, err := chatagent.New(cm.opts.BaseCtx, chatagent.Options{
		Name:     name,
		Store:    cm.opts.Store,
		Registry: pool,
		Handler:  cm.opts.Handler,
		Events:   cm.opts.Events,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create agent %q", name)
	}
	c := &Conversation{ID: name, agent: agent, pool: pool, lastActivity: time.Now()}
	cm.conns[name] = c
	metrics.setConversations(len(cm.conns))
	log.Info().Str("component", "webchat").Str("conv_id", name).Msg("conversation loaded")
	return c, nil
}

func (cm *ConvManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

// Close disconnects every websocket and stops every agent.
func (cm *ConvManager) Close() {
	cm.mu.Lock()
	cm.closed = true
	convs := make([]*Conversation, 0, len(cm.conns))
	for name, c := range cm.conns {
		convs = append(convs, c)
		delete(cm.conns, name)
	}
	cm.mu.Unlock()
	for _, c := range convs {
		cm.cleanupConversation(c)
	}
	cm.opts.Metrics.setConversations(0)
}
