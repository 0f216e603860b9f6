// Package api serves the local HTTP interface of the sync agent.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/folio/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	logger := handler.deps.Logger.Named("api")
	router := chi.NewRouter()

	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoverMiddleware(logger))
	router.Use(CORS(cfg.CORSOrigins))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	router.Route("/collections/{collection}", func(r chi.Router) {
		r.Get("/", handler.ListRecords)
		r.Post("/", handler.AddRecord)
		r.Get("/{id}", handler.GetRecord)
		r.Put("/{id}", handler.PutRecord)
		r.Delete("/{id}", handler.DeleteRecord)
	})

	router.Post("/portfolios", handler.SavePortfolio)
	router.Get("/portfolios/{id}/summary", handler.PortfolioSummary)

	router.Route("/sync", func(r chi.Router) {
		r.Post("/", handler.TriggerSync)
		r.Get("/queue", handler.ListQueue)
		r.Get("/dead-letters", handler.ListDeadLetters)
		r.Post("/dead-letters/{id}/replay", handler.ReplayDeadLetter)
	})

	router.Put("/connectivity", handler.SetConnectivity)
	router.Post("/cache/sweep", handler.SweepCache)

	s := &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
