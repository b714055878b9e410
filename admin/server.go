package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Address        string
	Secret         string
	MetricsHandler http.Handler // nil disables /metrics
}

// Server serves the admin API, pprof and metrics on one listener
type Server struct {
	listener net.Listener
	server   *http.Server
	started  atomic.Bool
	done     chan struct{}
}

// NewServer binds the listen address and registers every endpoint.
func NewServer(config ServerConfig, handlers *AdminHandlers) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers, config.Secret)

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if config.MetricsHandler != nil {
		mux.Handle("/metrics", config.MetricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	return &Server{
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves in the background
func (s *Server) Start() {
	s.started.Store(true)
	go func() {
		defer close(s.done)
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()
	log.Info().Str("address", s.listener.Addr().String()).Msg("Admin server started")
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return s.listener.Close()
	}
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
