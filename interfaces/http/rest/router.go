// Package rest is the thin HTTP surface over the ingestion pipeline:
// bearer-token auth, a load-shedding breaker, and the ingest and health
// endpoints.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
)

// Router wires the HTTP surface.
type Router struct {
	ingest   *IngestHandler
	traverse *TraverseHandler
	auth     config.Auth
	logger   *zap.Logger
}

// NewRouter creates a router over the handlers. A nil traverse handler
// leaves the endpoint unregistered.
func NewRouter(ingest *IngestHandler, traverse *TraverseHandler, auth config.Auth, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{ingest: ingest, traverse: traverse, auth: auth, logger: logger}
}

// Setup configures routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(RequestLogger(rt.logger))

	router.Get("/health", rt.healthCheck)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(CircuitBreaker(DefaultCircuitBreakerConfig("api"), rt.logger))
		r.Use(Authenticate(rt.auth, rt.logger))
		r.Post("/ingest", rt.ingest.ServeHTTP)
		if rt.traverse != nil {
			r.Post("/traverse", rt.traverse.ServeHTTP)
		}
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
