package webchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatagent/pkg/agentclient"
	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
	"github.com/go-go-golems/chatagent/pkg/persistence/chatstore"
)

type testServer struct {
	srv     *httptest.Server
	cm      *ConvManager
	metrics *Metrics
}

func newTestServer(t *testing.T, h chatagent.ChatHandler, opts ...func(*ConvManagerOptions)) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	o := ConvManagerOptions{
		BaseCtx: context.Background(),
		Store:   chatstore.NewInMemoryMessageStore(),
		Handler: h,
		Metrics: m,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cm := NewConvManager(o)
	r, err := NewRouter(cm, RouterSettings{}, WithMetricsGatherer(reg))
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(cm.Close)
	return &testServer{srv: srv, cm: cm, metrics: m}
}

func (ts *testServer) wsURL(name string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/agents/" + name
}

func (ts *testServer) dial(t *testing.T, name string, opts ...agentclient.Option) *agentclient.Client {
	t.Helper()
	c, err := agentclient.Dial(context.Background(), ts.wsURL(name), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (ts *testServer) waitAttached(t *testing.T, name string, n int, chatCapable bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		conv, ok := ts.cm.GetConversation(name)
		if !ok {
			return false
		}
		conns := conv.pool.Connections()
		if len(conns) != n {
			return false
		}
		for _, c := range conns {
			if chatCapable && !c.IsChatCapable() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

type chunkReader struct{ chunks []string }

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

func TestTwoTabsShareClear(t *testing.T) {
	ts := newTestServer(t, nil)
	tab1 := ts.dial(t, "support")
	tab2 := ts.dial(t, "support")
	ts.waitAttached(t, "support", 2, false)

	updates := make(chan []chatproto.Message, 4)
	cleared := make(chan struct{}, 4)
	tab2.OnMessages(func(m []chatproto.Message) { updates <- m })
	tab2.OnClear(func() { cleared <- struct{}{} })

	require.NoError(t, tab1.SetMessages([]chatproto.Message{chatproto.NewMessage("m1", "user", "hi")}))
	select {
	case m := <-updates:
		require.Len(t, m, 1)
		require.Equal(t, "m1", m[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("tab2 did not receive chat-messages")
	}

	require.NoError(t, tab1.ClearHistory())
	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("tab2 did not receive chat-clear")
	}
	require.Empty(t, tab2.Messages())
	require.Empty(t, tab1.Messages())

	resp, err := http.Get(ts.srv.URL + "/agents/support/get-messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(body))
}

func TestChatRequestOverWebsocket(t *testing.T) {
	h := chatagent.ChatHandlerFunc(func(ctx context.Context, req chatagent.ChatRequest, onFinish chatagent.FinishFunc) (*chatagent.Response, error) {
		err := onFinish(ctx, chatagent.FinishResult{ResponseMessages: []chatproto.Message{chatproto.NewMessage("a1", "assistant", "Hello")}})
		if err != nil {
			return nil, err
		}
		return &chatagent.Response{Body: &chunkReader{chunks: []string{"Hel", "lo"}}}, nil
	})
	ts := newTestServer(t, h)
	tab1 := ts.dial(t, "support", agentclient.WithUserID("u1"))
	tab2 := ts.dial(t, "support")
	require.NoError(t, tab1.Init())
	require.NoError(t, tab2.Init())
	ts.waitAttached(t, "support", 2, true)

	var mu sync.Mutex
	var seen [][]chatproto.Message
	tab2.OnMessages(func(m []chatproto.Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})

	body, err := chatproto.NewChatRequestBody([]chatproto.Message{chatproto.NewMessage("m1", "user", "hi")})
	require.NoError(t, err)
	resp, err := tab1.Fetch(context.Background(), ts.srv.URL+"/api/chat", chatproto.RequestInit{Body: body})
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(out))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && len(seen[1]) == 2
	}, 2*time.Second, 5*time.Millisecond)

	conv, ok := ts.cm.GetConversation("support")
	require.True(t, ok)
	msgs := conv.Agent().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].UserID)
	require.Equal(t, "a1", msgs[1].ID)

	require.Equal(t, float64(2), testutil.ToFloat64(ts.metrics.envelopes.WithLabelValues("init")))
	require.Equal(t, float64(3), testutil.ToFloat64(ts.metrics.chunks.WithLabelValues("support")))
	require.Equal(t, float64(2), testutil.ToFloat64(ts.metrics.messages.WithLabelValues("support")))
}

func TestLongReplyReachesRequester(t *testing.T) {
	const n = 5000
	chunks := make([]string, n)
	var want strings.Builder
	for i := range chunks {
		chunks[i] = "tok" + strconv.Itoa(i) + " "
		want.WriteString(chunks[i])
	}
	h := chatagent.ChatHandlerFunc(func(context.Context, chatagent.ChatRequest, chatagent.FinishFunc) (*chatagent.Response, error) {
		return &chatagent.Response{Body: &chunkReader{chunks: append([]string(nil), chunks...)}}, nil
	})
	ts := newTestServer(t, h, func(o *ConvManagerOptions) {
		o.SendBuffer = 4
		o.WriteTimeout = 5 * time.Second
	})
	tab := ts.dial(t, "support")
	require.NoError(t, tab.Init())
	ts.waitAttached(t, "support", 1, true)

	body, err := chatproto.NewChatRequestBody([]chatproto.Message{chatproto.NewMessage("m1", "user", "long")})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	resp, err := tab.Fetch(ctx, ts.srv.URL+"/api/chat", chatproto.RequestInit{Body: body})
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, want.String(), string(out))

	conv, ok := ts.cm.GetConversation("support")
	require.True(t, ok)
	require.Equal(t, 1, conv.pool.Count())
	require.Equal(t, float64(n+1), testutil.ToFloat64(ts.metrics.chunks.WithLabelValues("support")))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("support"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData), "got %v", err)

	ts.waitAttached(t, "support", 0, false)
}

func TestUnknownEnvelopeKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	tab := ts.dial(t, "support")
	ts.waitAttached(t, "support", 1, false)
	cleared := make(chan struct{}, 1)
	tab.OnClear(func() { cleared <- struct{}{} })

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("support"), nil)
	require.NoError(t, err)
	defer conn.Close()
	ts.waitAttached(t, "support", 2, false)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"cf_agent_mcp_servers"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat-clear"}`)))

	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("clear after unknown envelope was not processed")
	}
}

func TestSaveMessagesEndpoint(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	h := chatagent.ChatHandlerFunc(func(context.Context, chatagent.ChatRequest, chatagent.FinishFunc) (*chatagent.Response, error) {
		defer calls.Done()
		return &chatagent.Response{Body: &chunkReader{chunks: []string{"ignored"}}}, nil
	})
	ts := newTestServer(t, h)

	resp, err := http.Post(ts.srv.URL+"/agents/support/save-messages", "application/json",
		strings.NewReader(`[{"id":"m1","role":"user","content":"scheduled"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	calls.Wait()

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.srv.URL + "/agents/support/get-messages")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var msgs []chatproto.Message
		if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
			return false
		}
		return len(msgs) == 1 && msgs[0].Content() == "scheduled"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Post(ts.srv.URL+"/agents/support/save-messages", "application/json", strings.NewReader(`{"not":"an array"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = ts.cm.GetOrCreate("support")
	require.NoError(t, err)

	resp, err = http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "chat_agent_conversations 1")
}
