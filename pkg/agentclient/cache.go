package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

// GetMessagesURL maps an agent websocket URL to its get-messages endpoint.
func GetMessagesURL(agentURL string) (string, error) {
	u, err := url.Parse(agentURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse agent url %q", agentURL)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", errors.Errorf("unsupported agent url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/get-messages"
	return u.String(), nil
}

// InitialMessagesCache remembers the initial log per get-messages URL.
// Concurrent callers for the same URL share one request. Entries are kept
// until Forget is called, so the cache grows with the number of URLs used.
type InitialMessagesCache struct {
	client *http.Client
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string][]chatproto.Message
}

func NewInitialMessagesCache(client *http.Client) *InitialMessagesCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &InitialMessagesCache{client: client, entries: map[string][]chatproto.Message{}}
}

// Get returns the cached log for endpoint, fetching it on first use. Failed
// fetches are not cached.
func (c *InitialMessagesCache) Get(ctx context.Context, endpoint string) ([]chatproto.Message, error) {
	c.mu.Lock()
	if msgs, ok := c.entries[endpoint]; ok {
		c.mu.Unlock()
		return append([]chatproto.Message{}, msgs...), nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(endpoint, func() (interface{}, error) {
		msgs, err := c.fetch(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[endpoint] = msgs
		c.mu.Unlock()
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]chatproto.Message{}, v.([]chatproto.Message)...), nil
}

// GetForAgent is Get for the get-messages endpoint of agentURL.
func (c *InitialMessagesCache) GetForAgent(ctx context.Context, agentURL string) ([]chatproto.Message, error) {
	u, err := GetMessagesURL(agentURL)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, u)
}

func (c *InitialMessagesCache) Forget(endpoint string) {
	c.mu.Lock()
	delete(c.entries, endpoint)
	c.mu.Unlock()
	c.group.Forget(endpoint)
}

func (c *InitialMessagesCache) fetch(ctx context.Context, endpoint string) ([]chatproto.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build get-messages request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("get messages: unexpected status %s", resp.Status)
	}
	var msgs []chatproto.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	if msgs == nil {
		msgs = []chatproto.Message{}
	}
	return msgs, nil
}
