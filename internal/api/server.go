// Package api serves the local application HTTP API and its WebSocket stats feed.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kimhsiao/bizsync/internal/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Post("/", h.CreateDocument)
			r.Delete("/", h.DeleteCollection)
			r.Delete("/by-srno/{srNo}", h.DeleteByReference)
			r.Get("/{id}", h.GetDocument)
			r.Patch("/{id}", h.UpdateDocument)
			r.Delete("/{id}", h.DeleteDocument)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.SyncStatus)
			r.Post("/now", h.SyncNow)
			r.Get("/queue", h.ListQueue)
			r.Get("/failed", h.ListFailed)
			r.Post("/failed/retry", h.RetryAllFailed)
			r.Post("/failed/{id}/retry", h.RetryFailed)
			r.Delete("/failed/{id}", h.DiscardFailed)
		})

		r.Post("/session/bootstrap", h.Bootstrap)

		if h.Hub != nil {
			r.Get("/ws", HandleWebSocket(h.Hub, h.Engine.Stats))
		}
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
