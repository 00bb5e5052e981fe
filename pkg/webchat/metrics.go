package webchat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

// Metrics holds the chat-agent Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	envelopes     *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	persists      *prometheus.CounterVec
	messages      *prometheus.GaugeVec
	connections   *prometheus.GaugeVec
	conversations prometheus.Gauge
	evictions     prometheus.Counter
}

var _ chatagent.Metrics = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_agent",
			Name:      "envelopes_received_total",
			Help:      "Inbound websocket envelopes by type.",
		}, []string{"type"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_agent",
			Name:      "response_chunks_total",
			Help:      "use-chat-response chunks sent, per conversation.",
		}, []string{"conversation"}),
		persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_agent",
			Name:      "persists_total",
			Help:      "Full-log replacements, per conversation.",
		}, []string{"conversation"}),
		messages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat_agent",
			Name:      "messages",
			Help:      "Messages in the stored log, per conversation.",
		}, []string{"conversation"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat_agent",
			Name:      "connections",
			Help:      "Attached websockets, per conversation.",
		}, []string{"conversation"}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat_agent",
			Name:      "conversations",
			Help:      "Conversations held in memory.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat_agent",
			Name:      "evictions_total",
			Help:      "Idle conversations evicted.",
		}),
	}
	for _, c := range []prometheus.Collector{m.envelopes, m.chunks, m.persists, m.messages, m.connections, m.conversations, m.evictions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveEnvelope(_ string, t chatproto.Type) {
	if m == nil {
		return
	}
	label := string(t)
	switch t {
	case chatproto.TypeInit, chatproto.TypeUseChatRequest, chatproto.TypeUseChatResponse,
		chatproto.TypeChatMessages, chatproto.TypeChatClear:
	default:
		// unbounded client-chosen types collapse into one series
		label = "unknown"
	}
	m.envelopes.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveChunk(conv string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(conv).Inc()
}

func (m *Metrics) ObservePersist(conv string, n int) {
	if m == nil {
		return
	}
	m.persists.WithLabelValues(conv).Inc()
	m.messages.WithLabelValues(conv).Set(float64(n))
}

func (m *Metrics) setConnections(conv string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(conv).Set(float64(n))
}

func (m *Metrics) setConversations(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}

func (m *Metrics) forget(conv string) {
	if m == nil {
		return
	}
	m.chunks.DeleteLabelValues(conv)
	m.persists.DeleteLabelValues(conv)
	m.messages.DeleteLabelValues(conv)
	m.connections.DeleteLabelValues(conv)
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
