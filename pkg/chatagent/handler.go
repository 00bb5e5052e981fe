package chatagent

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

// ErrHandlerNotImplemented is returned when a chat request reaches an agent
// without a ChatHandler.
var ErrHandlerNotImplemented = errors.New("received a chat message, configure a ChatHandler on the agent and return a Response to send to the client")

// ChatRequest is what a ChatHandler sees of an exchange.
type ChatRequest struct {
	Conversation string
	// RequestID is the correlation id of the tunneled request. It is empty
	// for exchanges started through SaveMessages.
	RequestID string
	Messages  []chatproto.Message
}

// FinishResult carries the messages produced by a completed response.
type FinishResult struct {
	ResponseMessages []chatproto.Message
}

// FinishFunc is handed to the ChatHandler. It must be called at most once,
// after generation completes, and merges and persists the response messages.
type FinishFunc func(ctx context.Context, res FinishResult) error

// Response is a streamed reply. Every non-empty Read of Body is relayed as
// one chunk; the stream ends at io.EOF.
type Response struct {
	Body io.ReadCloser
}

// ChatHandler generates the reply to a chat exchange. Returning a nil
// Response means nothing is streamed back.
//
// Implementations must eventually end the Body: the terminating chunk is the
// only completion signal clients get.
type ChatHandler interface {
	OnChatMessage(ctx context.Context, req ChatRequest, onFinish FinishFunc) (*Response, error)
}

type ChatHandlerFunc func(ctx context.Context, req ChatRequest, onFinish FinishFunc) (*Response, error)

func (f ChatHandlerFunc) OnChatMessage(ctx context.Context, req ChatRequest, onFinish FinishFunc) (*Response, error) {
	return f(ctx, req, onFinish)
}
