// Package chatagent implements the server side of a chat conversation.
//
// An Agent owns the durable message log of one conversation. It receives
// frames from every connection attached to that conversation, processes them
// one at a time in arrival order, persists each new log as a whole and fans
// the result out to the other connections. Tunneled chat requests are handed
// to a ChatHandler whose streamed reply is relayed to every chat-capable
// connection, tagged with the request's correlation id.
package chatagent
