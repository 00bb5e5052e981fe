// Package chatproto defines the envelopes exchanged between a chat agent and
// its clients over a shared websocket.
//
// Envelopes are JSON objects discriminated by their "type" field:
//   - init: the client declares itself chat-capable.
//   - use-chat-request: an HTTP-shaped request tunneled over the socket.
//   - use-chat-response: one streamed chunk of the reply, correlated by id.
//   - chat-messages: full replacement of the conversation log.
//   - chat-clear: truncation of the conversation log.
//
// Messages are opaque records; only the id and the userId attribution are
// interpreted by this package.
package chatproto
