package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/health"
	"github.com/veloxhq/conductor/internal/metrics"
)

// Server is the plain HTTP server carrying the websocket endpoint, probes
// and Prometheus metrics.
type Server struct {
	srv    *http.Server
	hub    *Hub
	logger zerolog.Logger
}

// NewServer mounts the hub and operational endpoints. checker and m may be
// nil; the matching endpoints are then omitted.
func NewServer(port int, hub *Hub, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleConnection)
	mux.HandleFunc("/healthz", health.LivenessHandler())
	if checker != nil {
		mux.HandleFunc("/readyz", checker.ReadinessHandler())
	}
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:    hub,
		logger: logger.With().Str("component", "ws_server").Logger(),
	}
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("websocket server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects all clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("websocket server shutting down")
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}
