// ABOUTME: HTTP server struct, middleware stack, and route wiring.
// ABOUTME: chi for the router, huma for the OpenAPI v1 surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Laderis97/content-pipeline/internal/config"
	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/telemetry"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store *store.Store
	cfg   *config.Config
}

func NewServer(s *store.Store, cfg *config.Config) *Server {
	return &Server{store: s, cfg: cfg}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit. The largest legal enqueue payload (a 10000-char
	// prompt template) fits comfortably.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", telemetry.Handler())

	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("Content Pipeline API", "0.1.0")
	humaConfig.Info.Description = "Job queue and alerting API for the automated content-generation pipeline"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv.store)
	registerStatsRoutes(api, srv.store, srv.cfg)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
