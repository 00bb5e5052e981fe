package webchat

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server drives the HTTP server, the conversation eviction loop and the
// optional event router.
type Server struct {
	router  *Router
	httpSrv *http.Server
	events  *message.Router
}

// NewServer builds a Router and http.Server pair around cm. events may be nil.
func NewServer(ctx context.Context, cm *ConvManager, settings RouterSettings, events *message.Router, opts ...RouterOption) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	r, err := NewRouter(cm, settings, opts...)
	if err != nil {
		return nil, err
	}
	return &Server{router: r, httpSrv: r.BuildHTTPServer(ctx), events: events}, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled or the process receives SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.router.cm.StartEvictionLoop(srvCtx)

	if s.events != nil {
		eg.Go(func() error { return s.events.Run(srvCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		// hijacked websockets are not tracked by Shutdown
		s.router.cm.Close()
		if s.events != nil {
			if err := s.events.Close(); err != nil {
				log.Error().Err(err).Msg("event router close error")
			} else {
				log.Info().Msg("event router closed")
			}
		}
		log.Info().Msg("server shutdown complete")
		return err
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting chat-agent server")
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
