/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the case-management UI

ROUTE GROUPS:
  /api/activities/*                         Activities, rates, rules
  /api/activities/{id}/allocations/*        Allocation lifecycle
  /api/bookings/*                           Booking locations
  /healthz                                  Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
// allowedOrigins feeds CORS; nil allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/activities", func(r chi.Router) {
			r.Post("/", h.CreateActivity)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetActivity)
				r.Put("/pay-rates", h.UpdatePayRates)
				r.Put("/schedule-rules", h.UpdateScheduleRules)

				r.Route("/allocations/{bookingId}", func(r chi.Router) {
					r.Put("/", h.UpsertAllocation)
					r.Get("/", h.GetAllocation)
					r.Post("/end", h.EndAllocation)
					r.Post("/suspend", h.SuspendAllocation)
					r.Post("/resume", h.ResumeAllocation)
					r.Put("/pay-band", h.ChangePayBand)
				})
			})
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Put("/{id}", h.SaveBooking)
		})
	})

	return r
}
