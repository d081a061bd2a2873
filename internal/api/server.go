package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"papertrade/internal/config"
	"papertrade/internal/stream"
)

// Server runs the HTTP API and mounts the market stream WebSocket.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewMux builds the route table. hub may be nil (no stream mount).
func NewMux(handlers *Handlers, hub *stream.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/market/snapshot", handlers.HandleSnapshot)
	if hub != nil {
		mux.HandleFunc("GET /api/v1/market/stream", hub.ServeWS)
	}

	mux.HandleFunc("POST /api/v1/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("GET /api/v1/orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /api/v1/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/v1/wallet", handlers.HandleWallet)
	mux.HandleFunc("POST /api/v1/admin/reconcile/{userID}", handlers.HandleReconcile)
	return mux
}

// NewServer wires routes and timeouts.
func NewServer(cfg config.ServerConfig, handlers *Handlers, hub *stream.Hub, logger *slog.Logger) *Server {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewMux(handlers, hub),
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

// Start blocks serving until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
