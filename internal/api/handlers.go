package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"tenant-gateway/internal/metrics"
)

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	// Operational surface
	r.Get("/healthz", a.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler())

	// Administrative surface, authenticated
	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/admin/stats", a.GetStats)
		r.Delete("/admin/caches", a.ClearCaches)
	})

	// Everything else is tenant traffic through the pipeline.
	r.Handle("/*", a.Gateway)

	return r
}

// requireAuth gates admin routes on a valid credential from any strategy.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.AuthCache.Authenticate(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// @Summary Gateway statistics snapshot
// @Tags Admin
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} gateway.Stats
// @Router /admin/stats [get]
func (a *API) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Gateway.Stats()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// @Summary Drop all tenant/auth/limit caches and tracked pools
// @Tags Admin
// @Security ApiKeyAuth
// @Success 204
// @Router /admin/caches [delete]
func (a *API) ClearCaches(w http.ResponseWriter, r *http.Request) {
	a.Gateway.ClearCaches()
	log.Printf("API: Caches cleared")
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Pool health check
// @Tags Ops
// @Produce json
// @Success 200 {object} pool.Health
// @Router /healthz [get]
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	h := a.Pools.HealthCheck(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}
