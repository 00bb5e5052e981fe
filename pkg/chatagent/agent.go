package chatagent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
	"github.com/go-go-golems/chatagent/pkg/persistence/chatstore"
)

var ErrAgentClosed = errors.New("agent is closed")

type Options struct {
	// Name identifies the conversation; it keys the stored log.
	Name     string
	Store    chatstore.MessageStore
	Registry Registry
	Handler  ChatHandler
	// Merge combines request and response messages once a reply finishes.
	// Defaults to chatproto.AppendResponseMessages.
	Merge   chatproto.MergeFunc
	Events  EventPublisher
	Metrics Metrics
}

// Agent is the actor owning one conversation log.
type Agent struct {
	name     string
	store    chatstore.MessageStore
	registry Registry
	handler  ChatHandler
	merge    chatproto.MergeFunc
	events   EventPublisher
	metrics  Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	messages []chatproto.Message

	mailbox      chan job
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	pending      atomic.Int32
	lastActivity atomic.Int64
}

type job struct {
	run    func(ctx context.Context) error
	result chan error
}

// New loads the conversation log and starts the agent's mailbox. The agent
// runs until ctx is cancelled or Close is called.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if ctx == nil {
		return nil, errors.New("chatagent: ctx is nil")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("chatagent: missing conversation name")
	}
	if opts.Store == nil {
		return nil, errors.New("chatagent: message store is nil")
	}

	messages, err := opts.Store.Load(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "chatagent: load messages")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &Agent{
		name:     name,
		store:    opts.Store,
		registry: opts.Registry,
		handler:  opts.Handler,
		merge:    opts.Merge,
		events:   opts.Events,
		metrics:  opts.Metrics,
		log:      log.With().Str("component", "chatagent").Str("conv_id", name).Logger(),
		messages: messages,
		mailbox:  make(chan job),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if a.registry == nil {
		a.registry = noopRegistry{}
	}
	if a.merge == nil {
		a.merge = chatproto.AppendResponseMessages
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	a.touch()

	go a.loop()
	a.log.Debug().Int("messages", len(messages)).Msg("agent started")
	return a, nil
}

func (a *Agent) Name() string { return a.name }

// Messages returns a copy of the current log.
func (a *Agent) Messages() []chatproto.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chatproto.Message{}, a.messages...)
}

// Busy reports whether a frame or call is queued or executing.
func (a *Agent) Busy() bool { return a.pending.Load() > 0 }

func (a *Agent) LastActivity() time.Time {
	return time.UnixMilli(a.lastActivity.Load())
}

// Close stops the mailbox after the executing job, if any, finishes.
func (a *Agent) Close() {
	a.cancel()
	<-a.done
}

func (a *Agent) touch() { a.lastActivity.Store(time.Now().UnixMilli()) }

func (a *Agent) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			a.log.Debug().Msg("agent stopped")
			return
		case j := <-a.mailbox:
			j.result <- j.run(a.ctx)
			a.touch()
		}
	}
}

// do runs fn on the mailbox and waits for it. Jobs run with the agent's
// context, so a caller giving up does not abort an exchange other
// connections are watching.
func (a *Agent) do(ctx context.Context, fn func(ctx context.Context) error) error {
	a.pending.Add(1)
	defer a.pending.Add(-1)
	a.touch()

	j := job{run: fn, result: make(chan error, 1)}
	select {
	case a.mailbox <- j:
	case <-a.done:
		return ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage handles one inbound frame from conn. A frame that is not valid
// JSON fails immediately with chatproto.ErrMalformedEnvelope. Frames of
// unknown type are ignored.
func (a *Agent) OnMessage(ctx context.Context, conn Connection, frame []byte) error {
	if conn == nil {
		return errors.New("chatagent: connection is nil")
	}
	env, err := chatproto.Decode(frame)
	if err != nil {
		return err
	}
	a.metrics.ObserveEnvelope(a.name, env.EnvelopeType())
	return a.do(ctx, func(ctx context.Context) error {
		return a.dispatch(ctx, conn, env)
	})
}

func (a *Agent) dispatch(ctx context.Context, conn Connection, env chatproto.Envelope) error {
	switch e := env.(type) {
	case chatproto.Init:
		conn.SetChatCapable(true)
		return nil

	case chatproto.UseChatRequest:
		if !e.Init.IsPost() {
			a.log.Debug().Str("request_id", e.ID).Str("method", e.Init.Method).Msg("dropping non-POST chat request")
			return nil
		}
		body, err := chatproto.ParseChatRequestBody(e.Init.Body)
		if err != nil {
			return err
		}
		messages := chatproto.StampUserID(body.Messages, body.UserID)
		return a.exchange(ctx, e.ID, messages, []string{conn.ID()}, true)

	case chatproto.ChatClear:
		return a.clear(ctx, conn.ID())

	case chatproto.ChatMessages:
		return a.persist(ctx, chatproto.StampUserID(e.Messages, ""), conn.ID())

	default:
		a.log.Debug().Str("type", string(env.EnvelopeType())).Str("conn_id", conn.ID()).Msg("ignoring envelope")
		return nil
	}
}

// SaveMessages persists messages and runs the ChatHandler without a
// requesting connection. Any reply body is drained and discarded.
func (a *Agent) SaveMessages(ctx context.Context, messages []chatproto.Message) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.exchange(ctx, "", messages, nil, false)
	})
}

func (a *Agent) exchange(ctx context.Context, requestID string, messages []chatproto.Message, exclude []string, deliver bool) error {
	if err := a.persist(ctx, messages, exclude...); err != nil {
		return err
	}
	if a.handler == nil {
		return ErrHandlerNotImplemented
	}

	var finished atomic.Bool
	onFinish := func(ctx context.Context, res FinishResult) error {
		if !finished.CompareAndSwap(false, true) {
			return errors.New("chatagent: finish callback called twice")
		}
		return a.persist(ctx, a.merge(messages, res.ResponseMessages), exclude...)
	}

	resp, err := a.handler.OnChatMessage(ctx, ChatRequest{
		Conversation: a.name,
		RequestID:    requestID,
		Messages:     append([]chatproto.Message{}, messages...),
	}, onFinish)
	if err != nil {
		return errors.Wrap(err, "chat handler")
	}
	if resp == nil || resp.Body == nil {
		return nil
	}
	if !deliver {
		return drain(resp.Body)
	}
	return a.reply(requestID, resp.Body)
}

func (a *Agent) persist(ctx context.Context, messages []chatproto.Message, exclude ...string) error {
	messages = chatproto.UniqueByID(messages)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Replace(ctx, a.name, messages); err != nil {
		return errors.Wrap(err, "persist messages")
	}
	a.messages = messages
	a.metrics.ObservePersist(a.name, len(messages))
	a.broadcastLocked(chatproto.ChatMessages{Messages: messages}, exclude)
	a.publish(ctx, EventConversationUpdated, len(messages), exclude)
	return nil
}

func (a *Agent) clear(ctx context.Context, exclude ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Clear(ctx, a.name); err != nil {
		return errors.Wrap(err, "clear messages")
	}
	a.messages = nil
	a.metrics.ObservePersist(a.name, 0)
	a.broadcastLocked(chatproto.ChatClear{}, exclude)
	a.publish(ctx, EventConversationCleared, 0, exclude)
	return nil
}

func (a *Agent) broadcastLocked(env chatproto.Envelope, exclude []string) {
	b, err := chatproto.Encode(env)
	if err != nil {
		a.log.Error().Err(err).Str("type", string(env.EnvelopeType())).Msg("encode broadcast failed")
		return
	}
	a.registry.Broadcast(b, exclude...)
}

func (a *Agent) publish(ctx context.Context, kind EventKind, count int, exclude []string) {
	if a.events == nil {
		return
	}
	ev := Event{
		Kind:         kind,
		Conversation: a.name,
		MessageCount: count,
		Excluded:     append([]string(nil), exclude...),
		At:           time.Now().UTC(),
	}
	if err := a.events.PublishEvent(ctx, ev); err != nil {
		a.log.Warn().Err(err).Str("kind", string(kind)).Msg("publish conversation event failed")
	}
}
