package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

func newTestSQLiteMessageStore(t *testing.T) *SQLiteMessageStore {
	t.Helper()
	dsn, err := SQLiteMessageDSNForFile(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	s, err := NewSQLiteMessageStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func messageStores(t *testing.T) map[string]MessageStore {
	return map[string]MessageStore{
		"sqlite": newTestSQLiteMessageStore(t),
		"memory": NewInMemoryMessageStore(),
	}
}

func ids(msgs []chatproto.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMessageStore_ReplaceIsWholeLog(t *testing.T) {
	for name, s := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			msgs, err := s.Load(ctx, "c1")
			require.NoError(t, err)
			require.Empty(t, msgs)

			require.NoError(t, s.Replace(ctx, "c1", []chatproto.Message{
				chatproto.NewMessage("m1", "user", "hi"),
				chatproto.NewMessage("m2", "assistant", "hello"),
				chatproto.NewMessage("m3", "user", "bye"),
			}))
			require.NoError(t, s.Replace(ctx, "c1", []chatproto.Message{
				chatproto.NewMessage("m3", "user", "bye"),
				chatproto.NewMessage("m1", "user", "hi again").WithUserID("u1"),
			}))

			msgs, err = s.Load(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, []string{"m3", "m1"}, ids(msgs))
			require.Equal(t, "hi again", msgs[1].Content())
			require.Equal(t, "u1", msgs[1].UserID)
		})
	}
}

func TestMessageStore_ClearThenReplace(t *testing.T) {
	for name, s := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, "c1", []chatproto.Message{chatproto.NewMessage("old", "user", "x")}))
			require.NoError(t, s.Clear(ctx, "c1"))

			msgs, err := s.Load(ctx, "c1")
			require.NoError(t, err)
			require.Empty(t, msgs)

			require.NoError(t, s.Replace(ctx, "c1", []chatproto.Message{chatproto.NewMessage("new", "user", "y")}))
			msgs, err = s.Load(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, []string{"new"}, ids(msgs))
		})
	}
}

func TestMessageStore_ConversationsAreIsolated(t *testing.T) {
	for name, s := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, "a", []chatproto.Message{chatproto.NewMessage("m1", "user", "a")}))
			require.NoError(t, s.Replace(ctx, "b", []chatproto.Message{chatproto.NewMessage("m1", "user", "b")}))
			require.NoError(t, s.Clear(ctx, "a"))

			msgs, err := s.Load(ctx, "b")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Equal(t, "b", msgs[0].Content())
		})
	}
}

func TestMessageStore_DuplicateIDsCollapse(t *testing.T) {
	for name, s := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, "c1", []chatproto.Message{
				chatproto.NewMessage("a", "user", "1"),
				chatproto.NewMessage("b", "user", "2"),
				chatproto.NewMessage("a", "user", "3"),
			}))
			msgs, err := s.Load(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, ids(msgs))
			require.Equal(t, "3", msgs[0].Content())
		})
	}
}

func TestMessageStore_RejectsEmptyConvID(t *testing.T) {
	for name, s := range messageStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), " ")
			require.Error(t, err)
			require.Error(t, s.Replace(context.Background(), "", nil))
		})
	}
}

func TestNewSQLiteMessageStore_EmptyDSN(t *testing.T) {
	_, err := NewSQLiteMessageStore("")
	require.ErrorContains(t, err, "empty dsn")
}
