package chatagent

// Connection is one socket attached to a conversation.
type Connection interface {
	ID() string
	// Send queues a frame. Errors mean the peer is gone; agents ignore them.
	Send(data []byte) error
	IsChatCapable() bool
	SetChatCapable(bool)
}

// Registry is the set of connections observing a conversation. It is owned
// by the transport; agents only read from it and write through it.
type Registry interface {
	Broadcast(data []byte, exclude ...string)
	Connections() []Connection
}

type noopRegistry struct{}

func (noopRegistry) Broadcast([]byte, ...string) {}
func (noopRegistry) Connections() []Connection { return nil }
