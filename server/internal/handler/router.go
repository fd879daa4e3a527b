package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/mcprunner/server/internal/metrics"
	"github.com/obot-platform/mcprunner/server/internal/middleware"
)

// Router builds the HTTP routes. The management API requires the configured
// API key; the MCP endpoints are open.
func (h *Handler) Router(limiter *middleware.FailureLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.HeaderAPIKey, "Mcp-Session-Id", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/deployment", func(r chi.Router) {
		r.Use(middleware.APIKey(h.cfg.APIKey, limiter, h.logger))

		r.Post("/", h.CreateDeployment)
		r.Get("/", h.ListDeployments)

		r.Route("/{deploymentId}", func(r chi.Router) {
			r.Use(middleware.DeploymentExists(h.deployments))

			r.Get("/", h.GetDeployment)
			r.Delete("/", h.DeleteDeployment)
			r.Get("/logs", h.StreamLogs)
		})
	})

	r.Route("/mcp-server/{deploymentId}", func(r chi.Router) {
		r.Get("/sse", h.SSEConnect)
		r.Post("/sse/messages", h.SSEMessage)

		r.Post("/mcp", h.StreamablePost)
		r.Get("/mcp", h.StreamableGet)
		r.Delete("/mcp", h.StreamableDelete)
	})

	return r
}
