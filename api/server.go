/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Metrics:    Request duration histogram per route

ROUTE GROUPS:
  /api/clients/{clientID}/*   Billing operations per client
  /metrics                    Prometheus scrape endpoint
  /healthz                    Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(h.Metrics.Middleware)

	// API routes
	r.Route("/api/clients/{clientID}", func(r chi.Router) {
		// Mutations
		r.Post("/payments", h.RecordPayment)
		r.Post("/reversals", h.Reverse)
		r.Post("/bills", h.GenerateBills)

		// Reads
		r.Route("/years/{year}", func(r chi.Router) {
			r.Get("/view", h.GetView)
			r.Post("/view/rebuild", h.RebuildView)
			r.Get("/units/{unitID}/bills", h.ListUnitBills)
		})
		r.Get("/units/{unitID}/credit", h.GetCredit)
	})

	// Operational endpoints
	r.Handle("/metrics", h.Metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
