package webchat

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// RouterSettings configures the HTTP surface and conversation lifecycle.
type RouterSettings struct {
	Addr          string
	EvictIdle     time.Duration
	EvictInterval time.Duration
}

// Router serves the agent websocket plus its HTTP side channel:
//
//	GET  /agents/{name}                websocket
//	GET  /agents/{name}/get-messages   stored log as JSON
//	POST /agents/{name}/save-messages  headless exchange
//	GET  /metrics                      Prometheus exposition, when a gatherer is set
//	GET  /healthz
type Router struct {
	settings RouterSettings
	mux      *http.ServeMux
	cm       *ConvManager
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer
}

func NewRouter(cm *ConvManager, settings RouterSettings, opts ...RouterOption) (*Router, error) {
	if cm == nil {
		return nil, errors.New("conv manager is nil")
	}
	r := &Router{
		settings: settings,
		mux:      http.NewServeMux(),
		cm:       cm,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	cm.SetEvictionConfig(settings.EvictIdle, settings.EvictInterval)
	r.registerHTTPHandlers()
	return r, nil
}

func (r *Router) registerHTTPHandlers() {
	r.mux.HandleFunc("GET /agents/{name}", NewWSHTTPHandler(r.cm, r.upgrader))
	r.mux.HandleFunc("GET /agents/{name}/get-messages", NewGetMessagesHTTPHandler(r.cm))
	r.mux.HandleFunc("POST /agents/{name}/save-messages", NewSaveMessagesHTTPHandler(r.cm))
	r.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if r.gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	} else {
		log.Debug().Str("component", "webchat").Msg("metrics gatherer not configured; /metrics disabled")
	}
}

// Mount attaches all handlers to a parent mux with the given prefix.
// http.ServeMux does not strip prefixes, so we must use StripPrefix explicitly.
func (r *Router) Mount(mux *http.ServeMux, prefix string) {
	if prefix == "" || prefix == "/" {
		mux.Handle("/", r.mux)
		return
	}
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, r.mux))
}

func (r *Router) Handle(pattern string, h http.Handler) { r.mux.Handle(pattern, h) }

func (r *Router) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	r.mux.HandleFunc(pattern, handler)
}

func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) ConvManager() *ConvManager { return r.cm }

// BuildHTTPServer constructs an http.Server for the router's mux.
func (r *Router) BuildHTTPServer(ctx context.Context) *http.Server {
	return &http.Server{
		Addr:              r.settings.Addr,
		Handler:           r.mux,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
