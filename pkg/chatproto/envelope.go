package chatproto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Type discriminates envelopes on the wire.
type Type string

const (
	TypeInit            Type = "init"
	TypeUseChatRequest  Type = "use-chat-request"
	TypeUseChatResponse Type = "use-chat-response"
	TypeChatMessages    Type = "chat-messages"
	TypeChatClear       Type = "chat-clear"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMalformedBody     = errors.New("malformed chat request body")
)

// Envelope is the closed set of frames understood by agents and clients.
// Unknown is returned for frames whose type is not recognized.
type Envelope interface {
	EnvelopeType() Type
}

type Init struct{}

// UseChatRequest tunnels a fetch call. ID correlates the streamed response.
type UseChatRequest struct {
	ID   string      `json:"id"`
	URL  string      `json:"url,omitempty"`
	Init RequestInit `json:"init"`
}

// UseChatResponse carries one chunk of a streamed reply. The final chunk of
// every exchange has Done set and an empty Body.
type UseChatResponse struct {
	ID   string `json:"id"`
	Body string `json:"body"`
	Done bool   `json:"done"`
}

// ChatMessages replaces the whole conversation log.
type ChatMessages struct {
	Messages []Message `json:"messages"`
}

type ChatClear struct{}

// Unknown preserves frames of unrecognized type so callers can ignore them.
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (Init) EnvelopeType() Type            { return TypeInit }
func (UseChatRequest) EnvelopeType() Type  { return TypeUseChatRequest }
func (UseChatResponse) EnvelopeType() Type { return TypeUseChatResponse }
func (ChatMessages) EnvelopeType() Type    { return TypeChatMessages }
func (ChatClear) EnvelopeType() Type       { return TypeChatClear }
func (u Unknown) EnvelopeType() Type       { return u.Type }

type typed struct {
	Type Type `json:"type"`
}

func (Init) MarshalJSON() ([]byte, error) {
	return json.Marshal(typed{Type: TypeInit})
}

func (ChatClear) MarshalJSON() ([]byte, error) {
	return json.Marshal(typed{Type: TypeChatClear})
}

func (e UseChatRequest) MarshalJSON() ([]byte, error) {
	type alias UseChatRequest
	return json.Marshal(struct {
		typed
		alias
	}{typed{TypeUseChatRequest}, alias(e)})
}

func (e UseChatResponse) MarshalJSON() ([]byte, error) {
	type alias UseChatResponse
	return json.Marshal(struct {
		typed
		alias
	}{typed{TypeUseChatResponse}, alias(e)})
}

func (e ChatMessages) MarshalJSON() ([]byte, error) {
	type alias ChatMessages
	if e.Messages == nil {
		e.Messages = []Message{}
	}
	return json.Marshal(struct {
		typed
		alias
	}{typed{TypeChatMessages}, alias(e)})
}

func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return json.Marshal(typed{Type: u.Type})
}

// Decode parses one frame. Malformed JSON is reported as ErrMalformedEnvelope;
// a well-formed frame of unknown type decodes to Unknown.
func Decode(frame []byte) (Envelope, error) {
	var t typed
	if err := json.Unmarshal(frame, &t); err != nil {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "%v", err)
	}

	var (
		env Envelope
		err error
	)
	switch t.Type {
	case TypeInit:
		env = Init{}
	case TypeChatClear:
		env = ChatClear{}
	case TypeUseChatRequest:
		var e UseChatRequest
		err = json.Unmarshal(frame, &e)
		env = e
	case TypeUseChatResponse:
		var e UseChatResponse
		err = json.Unmarshal(frame, &e)
		env = e
	case TypeChatMessages:
		var e ChatMessages
		err = json.Unmarshal(frame, &e)
		env = e
	default:
		raw := make(json.RawMessage, len(frame))
		copy(raw, frame)
		env = Unknown{Type: t.Type, Raw: raw}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "%s: %v", t.Type, err)
	}
	return env, nil
}

// Encode serializes an envelope with its type tag.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	return json.Marshal(env)
}
