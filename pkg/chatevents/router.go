package chatevents

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/redisstream"
)

// Handler consumes one decoded conversation event.
type Handler func(ev Event) error

// Event is the conversation event carried on Topic.
type Event = chatagent.Event

// NewRouter builds a Watermill router subscribed to Topic on ps. Each named
// handler gets its own subscription.
func NewRouter(ps *redisstream.PubSub, handlers map[string]Handler) (*message.Router, error) {
	if ps == nil || ps.Subscriber == nil {
		return nil, errors.New("chatevents: pubsub is nil")
	}
	router, err := message.NewRouter(message.RouterConfig{}, ps.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	for name, h := range handlers {
		router.AddNoPublisherHandler(name, Topic, ps.Subscriber, func(msg *message.Message) error {
			ev, err := Decode(msg)
			if err != nil {
				// poison messages are dropped so they do not block the stream
				log.Warn().Err(err).Str("component", "chatevents").Str("message_uuid", msg.UUID).Msg("dropping undecodable event")
				return nil
			}
			return h(ev)
		})
	}
	return router, nil
}

// LogHandler logs every event at info level.
func LogHandler(ev Event) error {
	log.Info().
		Str("component", "chatevents").
		Str("conv_id", ev.Conversation).
		Str("kind", string(ev.Kind)).
		Int("messages", ev.MessageCount).
		Strs("excluded", ev.Excluded).
		Time("at", ev.At).
		Msg("conversation event")
	return nil
}
