package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public — no auth required.
	r.Get("/health", g.handleHealth())

	// Everything else is behind the bearer token.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(g.config.AuthToken))

		r.Get("/status", g.handleStatus())
		r.Route("/api", func(r chi.Router) {
			r.Get("/jobs", g.handleListJobs())
			r.Post("/jobs/{jobType}/run", g.handleTriggerJob())
			r.Get("/runs", g.handleListRuns())
			r.Get("/intents", g.handleListIntents())
			r.Post("/intents", g.handleCreateIntent())
		})

		if g.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
		}
		if g.bus != nil {
			r.Get("/ws/events", g.handleEventStream())
		}
	})

	return r
}
