// Package webchat is the websocket transport for chat agents.
//
// Each conversation name maps to one chatagent.Agent and one ConnectionPool.
// The pool implements chatagent.Registry: every websocket gets a buffered send
// queue drained by its own write pump. Senders wait while the queue is full,
// and a socket that stays stalled past the write timeout or whose write fails
// is dropped.
//
// Recommended setup:
//   - Build a ConvManager with a message store and a chat handler.
//   - Build a Server with NewServer, or a Router with NewRouter and mount it.
//   - Run the Server; it starts idle eviction and the optional event router.
package webchat
