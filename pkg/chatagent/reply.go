package chatagent

import (
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

const replyReadSize = 32 * 1024

// reply relays body to every connection that is chat-capable when the reply
// starts. The terminating chunk is always sent, also when body fails.
func (a *Agent) reply(requestID string, body io.ReadCloser) error {
	defer func() { _ = body.Close() }()

	conns := a.chatConnections()
	buf := make([]byte, replyReadSize)
	var (
		carry   []byte
		readErr error
		chunks  int
	)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(append(chunk, carry...), buf[:n]...)
			chunk, carry = splitIncompleteUTF8(chunk)
			if len(chunk) > 0 {
				a.sendChunk(conns, chatproto.UseChatResponse{ID: requestID, Body: string(chunk)})
				chunks++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = errors.Wrap(err, "read reply body")
			break
		}
	}
	if len(carry) > 0 {
		a.sendChunk(conns, chatproto.UseChatResponse{ID: requestID, Body: string(carry)})
		chunks++
	}
	a.sendChunk(conns, chatproto.UseChatResponse{ID: requestID, Body: "", Done: true})

	a.log.Debug().
		Str("request_id", requestID).
		Int("chunks", chunks).
		Int("connections", len(conns)).
		Msg("reply streamed")
	return readErr
}

func (a *Agent) chatConnections() []Connection {
	all := a.registry.Connections()
	out := make([]Connection, 0, len(all))
	for _, c := range all {
		if c != nil && c.IsChatCapable() {
			out = append(out, c)
		}
	}
	return out
}

func (a *Agent) sendChunk(conns []Connection, env chatproto.UseChatResponse) {
	b, err := chatproto.Encode(env)
	if err != nil {
		a.log.Error().Err(err).Str("request_id", env.ID).Msg("encode chunk failed")
		return
	}
	a.metrics.ObserveChunk(a.name)
	for _, c := range conns {
		if err := c.Send(b); err != nil {
			a.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("chunk send failed")
		}
	}
}

// splitIncompleteUTF8 holds back a trailing partial UTF-8 sequence so that a
// multi-byte character split across reads is sent whole.
func splitIncompleteUTF8(b []byte) ([]byte, []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func drain(body io.ReadCloser) error {
	defer func() { _ = body.Close() }()
	if _, err := io.Copy(io.Discard, body); err != nil {
		return errors.Wrap(err, "drain reply body")
	}
	return nil
}
