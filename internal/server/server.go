// Package server exposes the intent and tab API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/server/handler"
	"github.com/alanyoungcy/tabsettle/internal/server/middleware"
	"github.com/alanyoungcy/tabsettle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers. Archives may be nil.
type Handlers struct {
	Health   *handler.HealthHandler
	Intents  *handler.IntentHandler
	Tabs     *handler.TabHandler
	Events   *handler.EventHandler
	Archives *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain
// auth → logging → CORS, with the optional rate limiter outermost.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, handlers, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes returns the fully wrapped handler. Split out for tests.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)

	mux.HandleFunc("GET /api/intents", handlers.Intents.ListIntents)
	mux.HandleFunc("POST /api/intents", handlers.Intents.CreateIntent)
	mux.HandleFunc("GET /api/intents/{id}", handlers.Intents.GetIntent)
	mux.HandleFunc("POST /api/intents/{id}/bids", handlers.Intents.SubmitBid)
	mux.HandleFunc("POST /api/intents/{id}/close", handlers.Intents.CloseBidding)
	mux.HandleFunc("POST /api/intents/{id}/start", handlers.Intents.StartExecution)
	mux.HandleFunc("POST /api/intents/{id}/executed", handlers.Intents.MarkExecuted)
	mux.HandleFunc("POST /api/intents/{id}/cancel", handlers.Intents.CancelIntent)

	mux.HandleFunc("GET /api/tabs", handlers.Tabs.ListTabs)
	mux.HandleFunc("GET /api/tabs/failed", handlers.Tabs.ListFailed)
	mux.HandleFunc("GET /api/tabs/history", handlers.Tabs.History)
	mux.HandleFunc("POST /api/tabs/{id}/retry", handlers.Tabs.RetryFailed)
	mux.HandleFunc("GET /api/traders", handlers.Tabs.ListTraders)
	mux.HandleFunc("GET /api/traders/{id}/tab", handlers.Tabs.TraderTab)
	mux.HandleFunc("POST /api/traders/{id}/payments", handlers.Tabs.RecordPayment)

	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/events/stream", handlers.Events.ReadStream)
	mux.HandleFunc("GET /api/audit", handlers.Events.ListAudit)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archives.GetArchive)
		mux.HandleFunc("POST /api/archives/sweep", handlers.Archives.Sweep)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
