package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socialhostpro/fleetcmdagent/internal/config"
)

// Pinger is the subset of store.Store the health checks need. Kept narrow
// so this package has no import-time dependency on the store package.
type Pinger interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Server holds the HTTP server dependencies. It is a thin adapter: it owns
// routing, middleware, and JSON marshalling only — every decision is made by
// the core packages mounted onto APIRouter.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	Store     Pinger
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers are mounted onto APIRouter after calling
// NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, st Pinger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Store:     st,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.APIRouter = chi.NewRouter()
	s.Router.Mount("/", s.APIRouter)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.Exists(r.Context(), "nodes:registered"); err != nil {
		s.Logger.Error("readiness check: state store unreachable", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "state store not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StateStore    string `json:"state_store"`
}

// handleStatus reports process uptime and state-store reachability.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		StateStore:    "ok",
	}
	if _, err := s.Store.Exists(r.Context(), "nodes:registered"); err != nil {
		resp.Status = "degraded"
		resp.StateStore = "error"
	}
	Respond(w, http.StatusOK, resp)
}
