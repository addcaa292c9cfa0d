package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
			}

			r.Get("/runs", s.handleListRuns)
			r.Post("/runs/query", s.handleQueryRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/objectives", s.handleListObjectives)
			r.Get("/runs/{id}/artifacts/{kind}", s.handleGetArtifact)
			r.Get("/stats", s.handleStats)

			r.Get("/objectives/{name}/stats", s.handleObjectiveStats)
			r.Get("/objectives/{name}/compare", s.handleCompareMethods)

			// Benchmark catalog (when configured).
			if s.catalog != nil {
				r.Get("/benchmarks", s.handleListBenchmarks)
				r.Get("/benchmarks/{name}", s.handleGetBenchmark)
			}
		})

		// Admin endpoints, enabled only when a token hash is configured.
		if s.cfg.Server.AdminTokenHash != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdminToken)

				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
				}

				r.Post("/runs/{id}/link", s.handleLinkRun)
				r.Delete("/runs/{id}", s.handleDeleteRun)
				r.Post("/reconcile", s.handleReconcile)
				r.Post("/sweep", s.handleSweep)
			})
		}
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
