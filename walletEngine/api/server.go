// Package api exposes the engine over HTTP: a JSON-RPC endpoint for dapps,
// one for the wallet's own UI, and health and metrics probes.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/pipeline"
)

// Handler runs one request through the access pipeline.
type Handler interface {
	Handle(ctx context.Context, req pipeline.Request) pipeline.Response
	Ready() bool
}

// Server is the engine's HTTP surface.
type Server struct {
	handler Handler
	logger  zerolog.Logger
	server  *http.Server
	router  *mux.Router
}

// NewServer builds the routes. A nil gatherer leaves /metrics unmounted.
func NewServer(handler Handler, gatherer prometheus.Gatherer, addr string, logger zerolog.Logger) *Server {
	s := &Server{
		handler: handler,
		logger:  logger.With().Str("component", "api_server").Logger(),
	}

	s.router = s.setupRoutes(gatherer)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the route table, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("api server is nil")
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("api server listening")

	go func() {
		err := s.server.Serve(ln)
		switch err {
		case nil, http.ErrServerClosed:
			s.logger.Info().Msg("api server closed")
		default:
			s.logger.Error().Err(err).Msg("api server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
