// Package api exposes the service over HTTP: search, status, the
// working-memory views and alert-rule administration. Everything except
// rule creation and deletion is read-only.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/inbox-intel/internal/search"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

// Searcher answers queries over the chunk index.
type Searcher interface {
	FTS(ctx context.Context, query string, limit int) ([]search.Result, error)
	Vector(ctx context.Context, query string, limit int, minScore float64) ([]search.Result, error)
	Hybrid(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// RuleCreator compiles and persists a natural-language alert rule.
type RuleCreator interface {
	CreateRule(ctx context.Context, text, channel, target string) (*storage.AlertRule, error)
}

// TriggerLog reads back recently emitted triggers.
type TriggerLog interface {
	Recent(limit int) ([]trigger.Event, error)
}

// WorkerStats reports pipeline liveness for the status endpoint.
type WorkerStats interface {
	Stats() map[string]int64
	IsRunning() bool
}

// Deps are the server's collaborators.
type Deps struct {
	Store    *storage.Store
	Search   Searcher
	Rules    RuleCreator
	Triggers TriggerLog
	Worker   WorkerStats
}

// Server is the HTTP front end.
type Server struct {
	handlers *Handlers
	handler  http.Handler
	server   *http.Server
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	h := NewHandlers(deps)
	return &Server{handlers: h, handler: setupRoutes(h)}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func setupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The service fronts one personal mailbox, so only local UIs talk to it.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", h.Search)
		r.Get("/status", h.Status)

		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{id}", h.GetThread)
		r.Get("/contacts", h.ListContacts)
		r.Get("/projects", h.ListProjects)
		r.Get("/commitments", h.ListCommitments)
		r.Get("/decisions", h.ListDecisions)

		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Delete("/rules/{id}", h.DeleteRule)

		r.Get("/triggers/recent", h.RecentTriggers)
	})

	return r
}
