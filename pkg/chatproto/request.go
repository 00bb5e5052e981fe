package chatproto

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// RequestInit is the JSON-transportable part of a fetch request. Streaming
// only fields (signal, window) are not carried.
type RequestInit struct {
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	Redirect       string            `json:"redirect,omitempty"`
	Integrity      string            `json:"integrity,omitempty"`
	Credentials    string            `json:"credentials,omitempty"`
	Mode           string            `json:"mode,omitempty"`
	Referrer       string            `json:"referrer,omitempty"`
	ReferrerPolicy string            `json:"referrerPolicy,omitempty"`
	Keepalive      *bool             `json:"keepalive,omitempty"`
}

// IsPost reports whether the tunneled request uses the POST method, the only
// method agents act on.
func (r RequestInit) IsPost() bool {
	return r.Method == http.MethodPost
}

// ChatRequestBody is the part of a tunneled request body read by the agent.
type ChatRequestBody struct {
	Messages []Message `json:"messages"`
	UserID   string    `json:"userId,omitempty"`
}

// ParseChatRequestBody decodes the body of a use-chat-request. The body must
// be a JSON object with a "messages" array; an empty array is allowed.
func ParseChatRequestBody(body string) (ChatRequestBody, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return ChatRequestBody{}, errors.Wrapf(ErrMalformedBody, "%v", err)
	}
	if fields == nil {
		return ChatRequestBody{}, errors.Wrap(ErrMalformedBody, "body is not a JSON object")
	}
	raw, ok := fields["messages"]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return ChatRequestBody{}, errors.Wrap(ErrMalformedBody, "messages is missing")
	}
	var b ChatRequestBody
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return ChatRequestBody{}, errors.Wrapf(ErrMalformedBody, "%v", err)
	}
	if b.Messages == nil {
		b.Messages = []Message{}
	}
	return b, nil
}

// InjectUserID sets "userId" on a JSON object body, leaving every other field
// as it was.
func InjectUserID(body, userID string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return "", errors.Wrap(err, "parse body")
	}
	if fields == nil {
		return "", errors.New("body is not a JSON object")
	}
	fields[fieldUserID] = mustRaw(userID)
	out, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(err, "encode body")
	}
	return string(out), nil
}

// NewChatRequestBody encodes messages as a tunneled request body.
func NewChatRequestBody(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(ChatRequestBody{Messages: messages})
	if err != nil {
		return "", errors.Wrap(err, "encode chat request body")
	}
	return string(b), nil
}
