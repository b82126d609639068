package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/pkg/logger"
)

// Server serves the status API while the pipeline runs
type Server struct {
	server *http.Server
	logger *logger.Logger
}

// NewServer wires handlers, middleware and router for source
func NewServer(cfg config.StatusConfig, source StepSource, log *logger.Logger) *Server {
	router := NewRouter(
		NewHandlers(source),
		NewAuthMiddleware(cfg.APIKeys),
		NewLoggingMiddleware(log),
	)
	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
		},
		logger: log,
	}
}

// Handler returns the router, for mounting into another server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until ctx is
// canceled. It is a blocking call.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "addr", ln.Addr().String())
		serverErrors <- s.server.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("status server stopped")
		return nil
	}
}
