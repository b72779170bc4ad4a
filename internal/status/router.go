// Package status serves tailall's optional HTTP status surface: a liveness
// probe, Prometheus metrics, a JSON view of the watched tree and a live
// WebSocket feed of tailed output.
package status

import (
	"crypto/rsa"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router.
//
// Route layout:
//
//	GET /healthz          liveness probe (no authentication)
//	GET /metrics          Prometheus exposition (no authentication)
//	GET /api/v1/stats     session counters (JWT required)
//	GET /api/v1/folders   watched folders and their files (JWT required)
//	GET /api/v1/stream    live output over WebSocket (JWT required)
//
// pubKey verifies RS256 bearer tokens on /api/v1. Pass nil to disable
// authentication.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey, logger))
		}

		r.Get("/stats", srv.handleStats)
		r.Get("/folders", srv.handleFolders)
		if srv.stream != nil {
			r.Method(http.MethodGet, "/stream", NewStreamHandler(srv.stream, logger, 0))
		}
	})

	return r
}
