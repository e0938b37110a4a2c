/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/balances          Balance reads
  /api/storage-ledger/*  Entry reads; ensure, backfill and pricing (admin)
  /api/cost-rates/*      Rate reads; rate writes (admin)
  /api/admin/*           Run log (admin)
  /api/warehouses, /api/skus, /api/transactions, /api/purchase-orders
                         Producer glue (admin)
  /api/scenarios/*       Demo data (load is admin)

SECURITY:
  Admin routes sit behind RequireAdmin (auth.go). Everything else is a read.

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

type RouterOptions struct {
	AllowedOrigins []string
	Caller         CallerResolver
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	admin := RequireAdmin(opts.Caller)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/balances", h.GetBalances)

		// Storage ledger routes
		r.Route("/storage-ledger", func(r chi.Router) {
			r.Get("/", h.GetStorageLedger)
			r.With(admin).Post("/ensure", h.EnsureWeek)
			r.With(admin).Post("/backfill", h.Backfill)
			r.With(admin).Post("/calculate", h.CalculateCosts)
			r.With(admin).Post("/recalculate", h.Recalculate)
		})

		// Cost rate routes
		r.Route("/cost-rates", func(r chi.Router) {
			r.Get("/", h.ListRates)
			r.Get("/resolve", h.ResolveRate)
			r.With(admin).Post("/", h.CreateRate)
			r.With(admin).Patch("/{id}", h.UpdateRate)
			r.With(admin).Delete("/{id}", h.DeleteRate)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin)
			r.Get("/snapshot-runs", h.ListSnapshotRuns)
		})

		// Producer glue
		r.Get("/warehouses", h.ListWarehouses)
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Post("/warehouses", h.CreateWarehouse)
			r.Post("/skus", h.CreateSKU)
			r.Post("/transactions", h.CreateTransaction)
			r.Delete("/transactions/{id}", h.PurgeTransaction)
			r.Post("/purchase-orders/{id}/status", h.SetPurchaseOrderStatus)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(admin).Post("/load", h.LoadScenario)
		})
	})

	return r
}
