package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/good-yellow-bee/blazealert/internal/api/alerts"
	"github.com/good-yellow-bee/blazealert/internal/api/middleware"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	subjectLimiter := middleware.NewRateLimiter(s.config.RateLimitPerSubject)

	// Global middleware
	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.PrometheusMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrMethodNotAllowed)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(s.jwt, s.logger))
		r.Use(middleware.RateLimitBySubject(subjectLimiter))
		r.Use(chimw.Timeout(s.config.QueryTimeout))

		alertHandler := alerts.NewHandler(s.service, s.dispatcher, s.logger)

		// Reads (any authenticated subject; entity access is checked per call)
		r.Get("/alerts/unfixed/count", alertHandler.UnfixedCount)
		r.Get("/alerts/window", alertHandler.Window)
		r.Get("/alerts/{id}", alertHandler.GetByID)
		r.Get("/entities/{entity}/alerts", alertHandler.EntityAlerts)

		// Writes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCanWrite)
			r.Post("/alerts/{id}/fix", alertHandler.Fix)
			r.Get("/escalatables", alertHandler.Escalatables)
			r.Delete("/entities/{entity}/alerts", alertHandler.DeleteEntityAlerts)
			r.Delete("/definitions/{id}/alerts", alertHandler.DeleteDefinitionAlerts)
			r.Delete("/entities", alertHandler.RemoveEntities)
		})

		// Bulk delete by id bypasses entity checks
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Delete("/alerts", alertHandler.Delete)
		})
	})

	// Health checks (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/ready", s.healthHandler.Ready)

	return r
}
