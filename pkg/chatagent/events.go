package chatagent

import (
	"context"
	"time"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

type EventKind string

const (
	EventConversationUpdated EventKind = "conversation.updated"
	EventConversationCleared EventKind = "conversation.cleared"
)

// Event describes a mutation of a conversation log after it was persisted.
type Event struct {
	Kind         EventKind `json:"kind"`
	Conversation string    `json:"conversation"`
	MessageCount int       `json:"message_count"`
	Excluded     []string  `json:"excluded,omitempty"`
	At           time.Time `json:"at"`
}

// EventPublisher receives conversation events. Publishing is best effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// Metrics observes agent activity.
type Metrics interface {
	ObserveEnvelope(conv string, t chatproto.Type)
	ObserveChunk(conv string)
	ObservePersist(conv string, messages int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEnvelope(string, chatproto.Type) {}
func (noopMetrics) ObserveChunk(string) {}
func (noopMetrics) ObservePersist(string, int) {}
