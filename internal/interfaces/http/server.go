package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/turtacn/ABLab/internal/config"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
)

// defaultShutdownTimeout bounds graceful shutdown when the configuration
// leaves it unset.
const defaultShutdownTimeout = 10 * time.Second

// Server wraps http.Server with the lifecycle the API service needs: a
// blocking Start and a bounded graceful Shutdown.
type Server struct {
	srv    *http.Server
	cfg    config.ServerConfig
	logger logging.Logger
}

// NewServer creates a Server listening on the configured port.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger logging.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the server until Shutdown is called or the listener fails. The
// normal shutdown path returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		logging.String("addr", s.srv.Addr),
		logging.String("mode", s.cfg.Mode),
	)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener. The
// configured shutdown timeout caps how long draining may take; ctx can end
// it earlier.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("http server shutting down", logging.Duration("timeout", timeout))

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Handler returns the wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
