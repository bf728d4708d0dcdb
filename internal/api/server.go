// Package api exposes the decision core over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/model"
	"github.com/opensource-retail/kestrel/internal/recommend"
	"github.com/opensource-retail/kestrel/internal/resultcache"
	"github.com/opensource-retail/kestrel/internal/risk"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, store domain.EventStore, results *resultcache.Cache, bus domain.EventBus, evaluator *risk.Evaluator, scorer *recommend.Scorer, models *model.Loader, configs *configcache.Cache, version string) *Server {
	handler := NewHandler(store, results, bus, evaluator, scorer, models, configs, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and observability endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/models/status", handler.ModelStatus)
	router.Get("/config/status", handler.ConfigStatus)

	// Decision endpoints
	router.Post("/risk/score", handler.RiskScore)
	router.Get("/recommendations/{productID}", handler.Recommendations)

	// Ingest endpoints
	router.Post("/events", handler.CreateEvent)
	router.Post("/products", handler.CreateProduct)
	router.Get("/products/{id}", handler.GetProduct)
	router.Post("/users", handler.CreateUser)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
