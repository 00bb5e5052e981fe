package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub is a Watermill publisher/subscriber pair sharing one transport.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     watermill.LoggerAdapter
	// Redis is set when the pair is backed by Redis Streams.
	Redis *redis.Client
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var errs []string
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	// gochannel uses one value for both sides
	if p.Subscriber != nil && any(p.Subscriber) != any(p.Publisher) {
		if err := p.Subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if p.Redis != nil {
		if err := p.Redis.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close pubsub: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildPubSub constructs a Redis Streams backed pair when enabled, and an
// in-memory gochannel otherwise.
func BuildPubSub(ctx context.Context, s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &PubSub{Publisher: gc, Subscriber: gc, Logger: logger}, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.Addr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	log.Info().Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams event transport")
	return &PubSub{Publisher: pub, Subscriber: sub, Logger: logger, Redis: client}, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
