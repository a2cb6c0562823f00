// Package server exposes the group formation engine over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/server/middleware"
	"github.com/alanyoungcy/groupbuy/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey protects the operator endpoints. Empty disables the check.
	APIKey             string
	RateLimitPerMinute int
}

// Handlers aggregates the handlers the server routes to.
type Handlers struct {
	Health   *handler.HealthHandler
	GroupBuy *handler.GroupBuyHandler
	Products *handler.ProductHandler
	Admin    *handler.AdminHandler
	Metrics  http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and builds the middleware chain. limiter
// and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	limited := middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)
	admin := middleware.Auth(cfg.APIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	mux.Handle("POST /api/products/{id}/join", limited(http.HandlerFunc(h.GroupBuy.Join)))
	mux.Handle("GET /api/products/{id}/active", limited(http.HandlerFunc(h.GroupBuy.Active)))
	mux.Handle("POST /api/participants/{id}/withdraw", limited(http.HandlerFunc(h.GroupBuy.Withdraw)))
	mux.Handle("GET /api/products/{id}", limited(http.HandlerFunc(h.Products.Get)))

	// Payment callbacks come from the payment provider, not buyers.
	mux.Handle("POST /api/participants/{id}/payment", admin(http.HandlerFunc(h.GroupBuy.Payment)))
	mux.Handle("POST /api/groups/{id}/expire", admin(http.HandlerFunc(h.GroupBuy.Expire)))
	mux.Handle("POST /api/groups/{id}/cancel", admin(http.HandlerFunc(h.GroupBuy.Cancel)))
	mux.Handle("PUT /api/products/{id}", admin(http.HandlerFunc(h.Products.Put)))
	mux.Handle("GET /api/audit", admin(http.HandlerFunc(h.Admin.Audit)))
	mux.Handle("GET /api/archives", admin(http.HandlerFunc(h.Admin.Archives)))

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
