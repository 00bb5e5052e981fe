package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

func TestParseZerologLevel(t *testing.T) {
	lvl, err := parseZerologLevel("")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = parseZerologLevel(" Warning ")
	require.NoError(t, err)
	require.Equal(t, zerolog.WarnLevel, lvl)

	_, err = parseZerologLevel("loud")
	require.Error(t, err)
}

func TestAgentURL(t *testing.T) {
	u, err := agentURL("ws://localhost:8080/", "support")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/agents/support", u)

	u, err = agentURL("wss://example.com/base", "team chat")
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/base/agents/team%20chat", u)

	_, err = agentURL("ws://localhost:8080", " ")
	require.Error(t, err)
	_, err = agentURL("ws://localhost:8080", "a/b")
	require.Error(t, err)
}

func TestChatHistoryAppendReturnsCopy(t *testing.T) {
	h := &chatHistory{}
	h.set([]chatproto.Message{chatproto.NewMessage("m1", "user", "hi")})
	out := h.append(chatproto.NewMessage("m2", "assistant", "hello"))
	require.Len(t, out, 2)

	out[0] = chatproto.NewMessage("x", "user", "changed")
	require.Equal(t, "m1", h.snapshot()[0].ID)

	require.Equal(t, "plain", renderReply("plain", false))
}

func TestEndsWithReply(t *testing.T) {
	local := []chatproto.Message{
		chatproto.NewMessage("u1", "user", "hi"),
		chatproto.NewMessage("local-a1", "assistant", "hi"),
	}
	stored := []chatproto.Message{
		chatproto.NewMessage("u1", "user", "hi"),
		chatproto.NewMessage("server-a1", "assistant", "hi"),
	}
	require.True(t, endsWithReply(stored, local))

	require.False(t, endsWithReply(stored[:1], local))
	require.False(t, endsWithReply([]chatproto.Message{
		chatproto.NewMessage("other", "user", "hi"),
		chatproto.NewMessage("server-a1", "assistant", "hi"),
	}, local))
}
