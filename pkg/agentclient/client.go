// Package agentclient is the client side of an agent websocket: it tunnels
// chat HTTP requests over the socket and mirrors the shared message log.
package agentclient

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

var ErrClientClosed = errors.New("agent client closed")

// Sender writes one frame to the agent.
type Sender interface {
	Send(data []byte) error
}

type listener func(env chatproto.Envelope)

type Client struct {
	sender Sender
	userID string
	log    zerolog.Logger

	mu        sync.Mutex
	listeners map[uint64]listener
	pending   map[uint64]*chunkStream
	nextID    uint64
	messages  []chatproto.Message
	closed    bool

	conn *websocket.Conn
	done chan struct{}
}

type Option func(*Client)

// WithUserID attributes outgoing chat requests to userID.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = strings.TrimSpace(userID) }
}

// WithInitialMessages seeds the local mirror of the log.
func WithInitialMessages(msgs []chatproto.Message) Option {
	return func(c *Client) { c.messages = append([]chatproto.Message(nil), msgs...) }
}

// NewClient builds a client over sender. Inbound frames are fed with Dispatch.
func NewClient(sender Sender, opts ...Option) *Client {
	c := &Client{
		sender:    sender,
		listeners: map[uint64]listener{},
		pending:   map[uint64]*chunkStream{},
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = log.With().Str("component", "agentclient").Logger()
	c.addListener(c.mirror)
	return c
}

type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) closeNormal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

// Dial connects to an agent websocket (ws:// or wss://) and starts reading.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := NewClient(&wsSender{conn: conn}, opts...)
	c.conn = conn
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("agent connection lost")
			}
			c.shutdown(errors.Wrap(err, "agent connection lost"))
			return
		}
		c.Dispatch(frame)
	}
}

// Done is closed when the read loop of a dialed client ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	if ws, ok := c.sender.(*wsSender); ok {
		return ws.closeNormal()
	}
	return nil
}

// shutdown fails every pending response stream.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[uint64]*chunkStream{}
	c.listeners = map[uint64]listener{}
	c.mu.Unlock()
	for _, st := range pending {
		st.finish(err)
	}
}

// Dispatch hands one inbound frame to the registered listeners.
func (c *Client) Dispatch(frame []byte) {
	env, err := chatproto.Decode(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring malformed frame")
		return
	}
	c.mu.Lock()
	ls := make([]listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(env)
	}
}

func (c *Client) reserveID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Client) listen(id uint64, l listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.listeners[id] = l
	}
}

func (c *Client) addListener(l listener) func() {
	id := c.reserveID()
	c.listen(id, l)
	return func() { c.removeListener(id) }
}

func (c *Client) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
	delete(c.pending, id)
}

func (c *Client) send(env chatproto.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	b, err := chatproto.Encode(env)
	if err != nil {
		return err
	}
	if err := c.sender.Send(b); err != nil {
		return errors.Wrapf(err, "send %s", env.EnvelopeType())
	}
	return nil
}

// Fetch tunnels a chat request over the socket. The returned response is
// available immediately; its body yields reply chunks as they arrive and ends
// after the terminating chunk. Cancelling ctx stops listening and fails the
// body with ctx.Err(). The agent is not told about the cancellation.
func (c *Client) Fetch(ctx context.Context, url string, init chatproto.RequestInit) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	if init.Method == "" {
		init.Method = http.MethodPost
	}
	if c.userID != "" && init.Body != "" {
		body, err := chatproto.InjectUserID(init.Body, c.userID)
		if err != nil {
			c.log.Warn().Err(err).Str("request_id", requestID).Msg("failed to inject userId, sending original body")
		} else {
			init.Body = body
		}
	}

	st := newChunkStream()
	lid := c.reserveID()
	stop := context.AfterFunc(ctx, func() {
		c.removeListener(lid)
		st.finish(ctx.Err())
	})
	st.onClose = func() {
		stop()
		c.removeListener(lid)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return nil, ErrClientClosed
	}
	c.pending[lid] = st
	c.listeners[lid] = func(env chatproto.Envelope) {
		r, ok := env.(chatproto.UseChatResponse)
		if !ok || r.ID != requestID {
			return
		}
		if r.Body != "" {
			st.push([]byte(r.Body))
		}
		if r.Done {
			stop()
			c.removeListener(lid)
			st.finish(nil)
		}
	}
	c.mu.Unlock()

	if err := c.send(chatproto.UseChatRequest{ID: requestID, URL: url, Init: init}); err != nil {
		stop()
		c.removeListener(lid)
		return nil, err
	}

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          st,
		ContentLength: -1,
	}, nil
}

// Init marks this connection as a chat participant so it receives replies.
func (c *Client) Init() error {
	return c.send(chatproto.Init{})
}

// SetMessages replaces the shared log locally and on the agent.
func (c *Client) SetMessages(msgs []chatproto.Message) error {
	c.setLocal(msgs)
	return c.send(chatproto.ChatMessages{Messages: msgs})
}

// ClearHistory empties the shared log locally and on the agent.
func (c *Client) ClearHistory() error {
	c.setLocal(nil)
	return c.send(chatproto.ChatClear{})
}

// Messages returns the local mirror of the shared log.
func (c *Client) Messages() []chatproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatproto.Message{}, c.messages...)
}

// OnMessages calls fn with the full log whenever the agent broadcasts it.
func (c *Client) OnMessages(fn func([]chatproto.Message)) func() {
	return c.addListener(func(env chatproto.Envelope) {
		if m, ok := env.(chatproto.ChatMessages); ok {
			fn(m.Messages)
		}
	})
}

// OnClear calls fn whenever the agent broadcasts a clear.
func (c *Client) OnClear(fn func()) func() {
	return c.addListener(func(env chatproto.Envelope) {
		if _, ok := env.(chatproto.ChatClear); ok {
			fn()
		}
	})
}

func (c *Client) mirror(env chatproto.Envelope) {
	switch e := env.(type) {
	case chatproto.ChatMessages:
		c.setLocal(e.Messages)
	case chatproto.ChatClear:
		c.setLocal(nil)
	}
}

func (c *Client) setLocal(msgs []chatproto.Message) {
	c.mu.Lock()
	c.messages = append([]chatproto.Message(nil), msgs...)
	c.mu.Unlock()
}
