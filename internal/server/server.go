// Package server implements the HTTP API for the memory engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldnotes/memoryengine/internal/auth"
	"github.com/fieldnotes/memoryengine/internal/ratelimit"
	"github.com/fieldnotes/memoryengine/internal/retrieval"
	"github.com/fieldnotes/memoryengine/internal/store"
)

// Server is the memory engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Store    *store.Store
	JWTMgr   *auth.JWTManager
	Pipeline *retrieval.Pipeline
	Weights  retrieval.Weights
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	RateLimiter *ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string      // Allowed origins for CORS; ["*"] permits all.
	TrustProxy          bool          // When true, key unauthenticated rate limits by RemoteAddr's host without the port; X-Forwarded-For is never read.
	SeedBackend         string        // "qdrant" or "pgvector"; surfaced on GET /v1/debug/weights.
	RequestBudget       time.Duration // Deadline covering a request's Store calls; <=0 disables it.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Pipeline:            cfg.Pipeline,
		Weights:             cfg.Weights,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SeedBackend:         cfg.SeedBackend,
	})

	mux := http.NewServeMux()

	authed := requireAuthenticated()
	mux.Handle("POST /v1/retrieve", authed(http.HandlerFunc(h.HandleRetrieve)))
	mux.Handle("GET /v1/debug/weights", authed(http.HandlerFunc(h.HandleDebugWeights)))

	// Health (no auth).
	mux.HandleFunc("GET /v1/health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → baggage → auth → recovery → rate limit → request budget → handler.
	var handler http.Handler = mux
	handler = requestBudgetMiddleware(cfg.RequestBudget, handler)
	if cfg.RateLimiter != nil {
		handler = rateLimitMiddleware(cfg.RateLimiter, cfg.TrustProxy, handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = baggageMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout, // Prevent accumulation of idle connections.
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
