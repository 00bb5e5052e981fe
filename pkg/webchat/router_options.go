package webchat

import (
	"errors"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterOption configures optional dependencies for a Router.
type RouterOption func(*Router) error

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) error {
		r.upgrader = u
		return nil
	}
}

// WithMetricsGatherer exposes g on GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) RouterOption {
	return func(r *Router) error {
		if g == nil {
			return errors.New("metrics gatherer is nil")
		}
		r.gatherer = g
		return nil
	}
}
