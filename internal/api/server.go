// Package api exposes the admin plane over HTTP: monitoring lifecycle,
// status projections, limit updates, trade-permission checks, and the
// webhook order gateway.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"riskwatch/internal/bus"
	"riskwatch/internal/config"
	"riskwatch/internal/directory"
	"riskwatch/internal/engine"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

// Server runs the admin HTTP API.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the router and handlers.
func NewServer(
	cfg config.ServerConfig,
	eng *engine.Engine,
	registry *directory.Memory,
	adapters map[types.Venue]venue.Adapter,
	b *bus.Bus,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(eng, registry, adapters, b, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.HandleHealth)
	r.Post("/monitoring/start", handlers.HandleMonitoringStart)
	r.Post("/monitoring/stop/{clientID}", handlers.HandleMonitoringStop)
	r.Get("/monitoring/status/{clientID}", handlers.HandleMonitoringStatus)
	r.Put("/risk/limits/{clientID}", handlers.HandleUpdateLimits)
	r.Get("/trade/can-trade/{clientID}", handlers.HandleCanTrade)
	r.Get("/notifications/{clientID}", handlers.HandleNotificationHistory)
	r.Post("/webhook/{venueTag}", handlers.HandleWebhook)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("admin api starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin api")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
