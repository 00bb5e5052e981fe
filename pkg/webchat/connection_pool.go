package webchat

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

var (
	errClientClosed = errors.New("websocket client closed")
	errSendTimeout  = errors.New("websocket send queue stalled")
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one websocket attached to a conversation. Outbound frames go
// through a buffered queue drained by a dedicated write pump.
type Client struct {
	id   string
	conn wsConn
	pool *ConnectionPool
	send chan []byte
	done chan struct{}
	once sync.Once
	chat atomic.Bool

	sendTimeout time.Duration
}

var _ chatagent.Connection = (*Client)(nil)

func (c *Client) ID() string            { return c.id }
func (c *Client) IsChatCapable() bool   { return c.chat.Load() }
func (c *Client) SetChatCapable(v bool) { c.chat.Store(v) }

// Send queues data for delivery, waiting for queue space while the write
// pump drains. A client that makes no room within the write timeout is
// considered stuck and dropped. With no write timeout Send waits until the
// client goes away.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if c.sendTimeout > 0 {
		t := time.NewTimer(c.sendTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timeout:
		c.pool.drop(c, errSendTimeout)
		return errSendTimeout
	}
}

func (c *Client) writePump(writeTimeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.pool.drop(c, err)
				return
			}
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool manages the websockets of one conversation and implements
// chatagent.Registry for its agent.
type ConnectionPool struct {
	convID       string
	mu           sync.Mutex
	clients      map[string]*Client
	order        []string
	sendBuffer   int
	writeTimeout time.Duration
	onChange     func(count int)
}

var _ chatagent.Registry = (*ConnectionPool)(nil)

func NewConnectionPool(convID string, sendBuffer int, writeTimeout time.Duration) *ConnectionPool {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if writeTimeout < 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionPool{
		convID:       convID,
		clients:      map[string]*Client{},
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
	}
}

// Add registers conn and starts its write pump.
func (cp *ConnectionPool) Add(conn wsConn) *Client {
	if cp == nil || conn == nil {
		return nil
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		pool: cp,
		send: make(chan []byte, cp.sendBuffer),
		done: make(chan struct{}),

		sendTimeout: cp.writeTimeout,
	}
	cp.mu.Lock()
	cp.clients[c.id] = c
	cp.order = append(cp.order, c.id)
	count := len(cp.clients)
	cp.mu.Unlock()

	go c.writePump(cp.writeTimeout)
	cp.changed(count)
	return c
}

func (cp *ConnectionPool) Remove(c *Client) {
	if cp == nil || c == nil {
		return
	}
	if count, ok := cp.remove(c); ok {
		cp.changed(count)
	}
	c.close()
}

func (cp *ConnectionPool) drop(c *Client, reason error) {
	count, ok := cp.remove(c)
	c.close()
	if !ok {
		return
	}
	log.Warn().Err(reason).
		Str("component", "webchat").
		Str("conv_id", cp.convID).
		Str("conn_id", c.id).
		Msg("ws send failed, dropping connection")
	cp.changed(count)
}

func (cp *ConnectionPool) remove(c *Client) (int, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cur, ok := cp.clients[c.id]; !ok || cur != c {
		return len(cp.clients), false
	}
	delete(cp.clients, c.id)
	for i, id := range cp.order {
		if id == c.id {
			cp.order = append(cp.order[:i], cp.order[i+1:]...)
			break
		}
	}
	return len(cp.clients), true
}

func (cp *ConnectionPool) changed(count int) {
	if cp.onChange != nil {
		cp.onChange(count)
	}
}

// Broadcast queues data on every client except the excluded ids. It waits
// on slow clients the same way Send does.
func (cp *ConnectionPool) Broadcast(data []byte, exclude ...string) {
	if cp == nil || len(data) == 0 {
		return
	}
	for _, c := range cp.snapshot() {
		if slices.Contains(exclude, c.id) {
			continue
		}
		_ = c.Send(data)
	}
}

// Connections returns the attached clients in attach order.
func (cp *ConnectionPool) Connections() []chatagent.Connection {
	clients := cp.snapshot()
	out := make([]chatagent.Connection, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out
}

func (cp *ConnectionPool) snapshot() []*Client {
	if cp == nil {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]*Client, 0, len(cp.order))
	for _, id := range cp.order {
		out = append(out, cp.clients[id])
	}
	return out
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	for _, c := range cp.snapshot() {
		cp.Remove(c)
	}
}
