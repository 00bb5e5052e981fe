package chatstore

import (
	"context"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

// MessageStore is the durable conversation log.
//
// The log is never patched: Replace swaps the whole message list of a
// conversation for a new one, and Load returns the messages in the order they
// were last written.
type MessageStore interface {
	Load(ctx context.Context, convID string) ([]chatproto.Message, error)
	Replace(ctx context.Context, convID string, messages []chatproto.Message) error
	Clear(ctx context.Context, convID string) error
	Close() error
}
