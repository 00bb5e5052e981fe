// Package chatevents carries conversation lifecycle events over Watermill.
package chatevents

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
)

// Topic is the Watermill topic (Redis stream) conversation events go to.
const Topic = "chat-agent.events"

const (
	metadataKind         = "kind"
	metadataConversation = "conversation"
)

// Publisher adapts a Watermill publisher to chatagent.EventPublisher.
type Publisher struct {
	pub   message.Publisher
	topic string
}

var _ chatagent.EventPublisher = (*Publisher)(nil)

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub, topic: Topic}
}

func (p *Publisher) PublishEvent(ctx context.Context, ev chatagent.Event) error {
	if p == nil || p.pub == nil {
		return errors.New("chatevents: publisher is nil")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(ev.Kind))
	msg.Metadata.Set(metadataConversation, ev.Conversation)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Kind)
	}
	return nil
}

// Decode reads a conversation event back from a Watermill message.
func Decode(msg *message.Message) (chatagent.Event, error) {
	var ev chatagent.Event
	if msg == nil {
		return ev, errors.New("chatevents: nil message")
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, errors.Wrap(err, "decode event")
	}
	return ev, nil
}
