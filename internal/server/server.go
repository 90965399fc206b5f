// Package server runs the HTTP server and its background maintenance loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/api"
	"github.com/matiasleandrokruk/toolforge/internal/app"
)

// maintenanceInterval is how often expired refresh tokens and, with retention
// configured, old audit entries are purged.
const maintenanceInterval = time.Hour

// Server wraps the HTTP server and the application services.
type Server struct {
	app  *app.App
	http *http.Server
}

// NewServer creates a new HTTP server for a, configured from a.Config.HTTP.
func NewServer(a *app.App) *Server {
	cfg := a.Config.HTTP
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      api.NewRouter(a),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{app: a, http: httpServer}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves HTTP until ctx is cancelled or the listener fails, then shuts
// down gracefully within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	logger := s.app.Logger

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.app.RunMaintenance(bg, maintenanceInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server and closes the database connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info("shutting down server")

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	if err := s.app.Close(); err != nil {
		return fmt.Errorf("database close error: %w", err)
	}

	s.app.Logger.Info("server shutdown complete")
	return nil
}
