package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all optimizer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimizer", func(r chi.Router) {
		r.Get("/defaults", h.HandleGetDefaults)
		r.Get("/latest", h.HandleGetLatest)
		r.Post("/run", h.HandleRun)
		r.Post("/frontier.png", h.HandleFrontierChart)
	})
}
