// Package generators holds the built-in chat handlers.
package generators

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

const (
	NameEcho = "echo"
	NameNone = "none"
)

type EchoOptions struct {
	// Delay is slept before every token chunk.
	Delay time.Duration
	// Prefix is prepended to the echoed text.
	Prefix string
}

// Echo replies with the content of the last user message, streamed one
// cl100k token per chunk.
type Echo struct {
	codec tokenizer.Codec
	opts  EchoOptions
}

var _ chatagent.ChatHandler = (*Echo)(nil)

func NewEcho(opts EchoOptions) (*Echo, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base codec")
	}
	return &Echo{codec: codec, opts: opts}, nil
}

// New returns the handler registered under name. "none" yields a nil
// handler, so chat requests fail with chatagent.ErrHandlerNotImplemented.
func New(name string, opts EchoOptions) (chatagent.ChatHandler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameEcho:
		return NewEcho(opts)
	case NameNone:
		return nil, nil
	default:
		return nil, errors.Errorf("unknown generator %q", name)
	}
}

func (e *Echo) OnChatMessage(ctx context.Context, req chatagent.ChatRequest, onFinish chatagent.FinishFunc) (*chatagent.Response, error) {
	text := e.opts.Prefix + lastUserContent(req.Messages)
	_, pieces, err := e.codec.Encode(text)
	if err != nil {
		return nil, errors.Wrap(err, "tokenize reply")
	}
	log.Debug().
		Str("component", "generators").
		Str("conv_id", req.Conversation).
		Str("request_id", req.RequestID).
		Int("tokens", len(pieces)).
		Msg("echo reply")

	reply := chatproto.NewMessage(uuid.NewString(), "assistant", text)
	return &chatagent.Response{Body: &tokenStream{
		ctx:    ctx,
		pieces: pieces,
		delay:  e.opts.Delay,
		finish: func() error {
			return onFinish(ctx, chatagent.FinishResult{ResponseMessages: []chatproto.Message{reply}})
		},
	}}, nil
}

func lastUserContent(msgs []chatproto.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == "user" {
			return msgs[i].Content()
		}
	}
	return ""
}

// tokenStream yields one token per Read and runs finish before reporting EOF.
type tokenStream struct {
	ctx     context.Context
	pieces  []string
	pending []byte
	delay   time.Duration
	finish  func() error

	once      sync.Once
	finishErr error
}

func (s *tokenStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if len(s.pieces) == 0 {
			s.once.Do(func() { s.finishErr = s.finish() })
			if s.finishErr != nil {
				return 0, s.finishErr
			}
			return 0, io.EOF
		}
		if err := s.wait(); err != nil {
			return 0, err
		}
		s.pending = []byte(s.pieces[0])
		s.pieces = s.pieces[1:]
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *tokenStream) wait() error {
	if s.delay <= 0 {
		return s.ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *tokenStream) Close() error { return nil }
