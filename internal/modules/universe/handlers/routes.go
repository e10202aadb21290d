package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all universe routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/universe", func(r chi.Router) {
		r.Get("/default", h.HandleGetDefault)
		r.Get("/symbols", h.HandleGetSymbols)
		r.Get("/prices/{symbol}", h.HandleGetPrices)
		r.Get("/market-caps", h.HandleGetMarketCaps)
		r.Get("/sync", h.HandleGetLastSync)
		r.Post("/sync", h.HandleSync)
	})
}
