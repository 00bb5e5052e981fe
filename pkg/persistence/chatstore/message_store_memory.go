package chatstore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

// InMemoryMessageStore keeps conversation logs in process memory. It mirrors
// the SQLite store's replace and de-duplication semantics.
type InMemoryMessageStore struct {
	mu    sync.Mutex
	convs map[string][]chatproto.Message
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{convs: map[string][]chatproto.Message{}}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) Load(_ context.Context, convID string) ([]chatproto.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("in-memory message store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatproto.Message{}, s.convs[convID]...), nil
}

func (s *InMemoryMessageStore) Replace(_ context.Context, convID string, messages []chatproto.Message) error {
	if s == nil {
		return errors.New("in-memory message store: nil store")
	}
	if strings.TrimSpace(convID) == "" {
		return errors.New("in-memory message store: convID is empty")
	}
	unique := chatproto.UniqueByID(messages)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(unique) == 0 {
		delete(s.convs, convID)
		return nil
	}
	s.convs[convID] = unique
	return nil
}

func (s *InMemoryMessageStore) Clear(ctx context.Context, convID string) error {
	return s.Replace(ctx, convID, nil)
}
