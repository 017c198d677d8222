package controlapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/metrics"
)

// NewRouter builds the chi router exposing the neighbor-resolution
// subsystem's operator API (spec.md §6), grounded on
// pkg/controlplane/api/router.go's middleware stack.
//
// Routes:
//
//	GET    /health
//	GET    /api/v1/nexthops              list (query: family, vrf_id)
//	POST   /api/v1/nexthops              add
//	DELETE /api/v1/nexthops/{addr}       delete (query: vrf_id, missing_ok)
//	POST   /api/v1/links                 add a LINK route (connected subnet)
//	DELETE /api/v1/links                 withdraw a LINK route (query: prefix, vrf_id, iface_id)
//	GET    /metrics                      Prometheus exposition (if reg != nil)
func NewRouter(loop *control.Loop, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ok(w, map[string]string{"service": "ferrule"})
	})

	h := NewHandlers(loop)
	r.Route("/api/v1/nexthops", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Add)
		r.Delete("/{addr}", h.Delete)
	})
	r.Route("/api/v1/links", func(r chi.Router) {
		r.Post("/", h.AddLink)
		r.Delete("/", h.DeleteLink)
	})

	if reg != nil {
		r.Handle("/metrics", metrics.Handler(reg))
	}

	return r
}
