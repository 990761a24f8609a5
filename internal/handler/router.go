package handler

import (
	"net/http"

	"github.com/dandantas/cadence/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

// Router assembles the HTTP surface of one service. Handlers left nil are not mounted.
type Router struct {
	DataSources *DataSourceHandler
	Schedules   *ScheduleHandler
	Health      *HealthHandler
	Metrics     http.Handler
	CORS        middleware.CORSConfig
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	// Health and metrics endpoints (no middleware)
	if rt.Health != nil {
		r.Get("/health", rt.Health.Health)
		r.Get("/ready", rt.Health.Ready)
	}
	if rt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.CorrelationID)
		r.Use(middleware.Logging)
		r.Use(middleware.Recovery)
		if len(rt.CORS.AllowedOrigins) > 0 {
			r.Use(middleware.CORS(rt.CORS))
		}

		if rt.DataSources == nil && rt.Schedules == nil {
			return
		}
		r.Route("/api/v1", func(r chi.Router) {
			if rt.DataSources != nil {
				rt.DataSources.Routes(r)
			}
			if rt.Schedules != nil {
				rt.Schedules.Routes(r)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}
