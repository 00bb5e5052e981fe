package chatproto

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	fieldID      = "id"
	fieldUserID  = "userId"
	fieldRole    = "role"
	fieldContent = "content"
)

// Message is one turn of a conversation. Apart from the identifier and the
// user attribution, its fields are carried through untouched.
type Message struct {
	ID     string
	UserID string

	fields map[string]json.RawMessage
}

// NewMessage builds a message with the common role/content pair.
func NewMessage(id, role, content string) Message {
	m := Message{ID: id, fields: map[string]json.RawMessage{}}
	m.fields[fieldRole] = mustRaw(role)
	m.fields[fieldContent] = mustRaw(content)
	return m
}

// Role returns the "role" field when it is a string.
func (m Message) Role() string { return m.stringField(fieldRole) }

// Content returns the "content" field when it is a string.
func (m Message) Content() string { return m.stringField(fieldContent) }

// Field returns the raw JSON of an opaque field.
func (m Message) Field(key string) (json.RawMessage, bool) {
	v, ok := m.fields[key]
	return v, ok
}

// WithUserID returns a copy attributed to userID. The opaque fields are shared.
func (m Message) WithUserID(userID string) Message {
	m.UserID = userID
	return m
}

func (m Message) stringField(key string) string {
	raw, ok := m.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.fields)+2)
	for k, v := range m.fields {
		out[k] = v
	}
	out[fieldID] = mustRaw(m.ID)
	if m.UserID != "" {
		out[fieldUserID] = mustRaw(m.UserID)
	} else {
		delete(out, fieldUserID)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("message is null")
	}
	var id string
	if raw, ok := fields[fieldID]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return errors.Wrap(err, "message id")
		}
	}
	var userID string
	if raw, ok := fields[fieldUserID]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &userID); err != nil {
			return errors.Wrap(err, "message userId")
		}
	}
	delete(fields, fieldID)
	delete(fields, fieldUserID)
	*m = Message{ID: id, UserID: userID, fields: fields}
	return nil
}

func mustRaw(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// StampUserID attributes every message to userID. An empty userID keeps each
// message's own attribution.
func StampUserID(messages []Message, userID string) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if userID != "" {
			m.UserID = userID
		}
		out[i] = m
	}
	return out
}

// UniqueByID collapses duplicate ids: the first position is kept and carries
// the last value seen for that id.
func UniqueByID(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	pos := make(map[string]int, len(messages))
	for _, m := range messages {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

// MergeFunc combines the request messages with the messages produced by a
// finished response.
type MergeFunc func(messages, responseMessages []Message) []Message

// AppendResponseMessages appends response messages to the log. A response
// message whose id is already present replaces the existing entry in place.
func AppendResponseMessages(messages, responseMessages []Message) []Message {
	out := make([]Message, 0, len(messages)+len(responseMessages))
	out = append(out, messages...)
	pos := make(map[string]int, len(out))
	for i, m := range out {
		pos[m.ID] = i
	}
	for _, m := range responseMessages {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
