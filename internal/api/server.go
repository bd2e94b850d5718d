package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	// Entities and the graph around them
	router.Get("/entities", handler.ListEntities)
	router.Get("/entities/{id}", handler.GetEntity)
	router.Get("/entities/{id}/neighborhood", handler.GetNeighborhood)
	router.Get("/entities/{id}/risk", handler.GetRiskScore)
	router.Get("/entities/{id}/risk/history", handler.GetRiskHistory)
	router.Get("/addresses/{address}/entity", handler.GetAddressEntity)
	router.Get("/addresses/{address}/neighborhood", handler.GetNeighborhood)

	// Risk scores by subject
	router.Get("/risk/{subject}", handler.GetRiskScore)
	router.Get("/risk/{subject}/history", handler.GetRiskHistory)

	// MEV signals
	router.Get("/blocks/{block}/signals", handler.ListSignals)

	// Alerts
	router.Route("/alerts", func(r chi.Router) {
		r.Get("/", handler.ListActiveAlerts)
		r.Get("/history", handler.ListAlertHistory)
		r.Post("/check", handler.CheckAlerts)
		r.Get("/{id}", handler.GetAlert)
		r.Post("/{id}/ack", handler.AcknowledgeAlert)
		r.Post("/{id}/resolve", handler.ResolveAlert)
	})

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Dead letters
	router.Get("/dead-letters", handler.ListDeadLetters)
	router.Post("/dead-letters/{id}/redrive", handler.RedriveDeadLetter)

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
