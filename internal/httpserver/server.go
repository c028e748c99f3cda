// Package httpserver provides the operator-facing liveness surface
// (/healthz, /readyz, /metrics) for the circulation-core process. It is
// intentionally NOT a domain API: request routing and body parsing for the
// circulation manager's own endpoints are the explicitly out-of-scope
// "HTTP route layer" (spec.md §1). This keeps the teacher's
// health-check/metrics-mount idiom available to operators without
// reintroducing the excluded surface.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server is the operator-facing liveness listener.
type Server struct {
	Router    *chi.Mux
	logger    *slog.Logger
	db        *pgxpool.Pool
	redis     *redis.Client
	startedAt time.Time
}

// NewServer builds the ops listener. db may be nil in modes that don't
// own a Postgres pool (see internal/platform.NewPostgresPool doc).
func NewServer(logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		db:        db,
		redis:     rdb,
		startedAt: time.Now(),
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Error("readiness check: database ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
			return
		}
	}

	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{
		"status": "ready",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}
