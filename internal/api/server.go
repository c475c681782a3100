// Package api exposes the reconciliation engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Liveness endpoints (no institution required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Institution-scoped routes
	router.Route("/", func(r chi.Router) {
		r.Use(InstitutionMiddleware)

		// Ingestion
		r.Post("/messages", handler.IngestMessage)
		r.Get("/messages/{id}", handler.GetMessage)
		r.Post("/messages/{id}/resolve", handler.ResolveMessage)

		// Reconciliation queues
		r.Get("/queues/unallocated", handler.UnallocatedQueue)
		r.Get("/queues/parse-errors", handler.ParseErrorsQueue)
		r.Get("/queues/duplicates", handler.DuplicatesQueue)
		r.Get("/queues/duplicates/{matchKey}", handler.ExpandDuplicate)

		// Allocation engine
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Post("/transactions/{id}/allocate", handler.AllocateTransaction)
		r.Post("/transactions/{id}/reverse", handler.ReverseTransaction)
		r.Post("/transactions/{id}/dismiss-duplicate", handler.DismissDuplicate)

		// Settings
		r.Get("/settings/parsing", handler.GetParsingSettings)
		r.Put("/settings/parsing", handler.UpdateParsingSettings)

		// Operational summary
		r.Get("/system/health", handler.SystemHealth)
	})

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
