/**
 * @description
 * This file sets up the HTTP router for the onramp-service. The processor is a
 * background service; its HTTP surface is operational only: a liveness/readiness
 * probe and the Prometheus metrics endpoint.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics exposition.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a dependency is reachable. The health
// endpoint runs every registered check and returns 503 if any fails.
type ReadinessCheck func(ctx context.Context) error

// Routes creates and returns the operational router for the onramp service.
func Routes(checks map[string]ReadinessCheck) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for panic recovery and timeouts.
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(name + " unavailable: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
