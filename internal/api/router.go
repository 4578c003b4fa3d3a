// Package api wires the HTTP surface: the MCP wire endpoints, the
// management API, and the global middleware stack.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/toolgate/toolgate/internal/api/handlers"
	"github.com/toolgate/toolgate/internal/api/middleware"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/gateway"
)

// NewRouter creates the HTTP router with all routes mounted.
func NewRouter(cfg *config.Config, h *handlers.Handlers, gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Mcp-Session-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"Mcp-Session-Id", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)

	// MCP wire endpoints
	r.Get("/sse", gw.HandleSSE)
	r.Get("/sse/{group}", gw.HandleSSE)
	r.Post("/messages", gw.HandleMessages)
	r.Post("/mcp", gw.HandleStreamable)
	r.Post("/mcp/{group}", gw.HandleStreamable)
	r.Delete("/mcp", gw.HandleStreamableDelete)

	// Management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/backends", func(r chi.Router) {
			r.Get("/", h.ListBackends)
			r.Post("/", h.AddBackend)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetBackend)
				r.Put("/", h.UpdateBackend)
				r.Delete("/", h.DeleteBackend)
				r.Post("/toggle", h.ToggleBackend)
				r.Route("/tools/{tool}", func(r chi.Router) {
					r.Post("/toggle", h.ToggleTool)
					r.Put("/description", h.SetToolDescription)
				})
			})
		})

		r.Get("/catalog", h.Catalog)
		r.Get("/routing", h.GetRouting)
		r.Put("/routing", h.SetRouting)
		r.Get("/sessions", h.ListSessions)
	})

	return r
}
