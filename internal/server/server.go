package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/observability"
	"tradeledger/internal/query"
)

// Server is the HTTP read surface: health, metrics, and the /v1 query
// endpoints.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func New(cfg *config.Config, svc *query.Service, ds datasource.DataSource, health *observability.HealthChecker, log zerolog.Logger, m *observability.Metrics) *Server {
	h := &handlers{svc: svc, ds: ds, log: log, metrics: m}

	r := mux.NewRouter()
	r.HandleFunc("/health", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.instrument)
	v1.HandleFunc("/trades", h.trades).Methods(http.MethodGet)
	v1.HandleFunc("/positions/history", h.positionsHistory).Methods(http.MethodGet)
	v1.HandleFunc("/pnl", h.pnl).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)
	v1.HandleFunc("/deposits", h.deposits).Methods(http.MethodGet)
	v1.HandleFunc("/risk", h.risk).Methods(http.MethodGet)

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           cors.AllowAll().Handler(r),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the configured routes.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown or listen failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument records per-endpoint request counts, latency, and the
// request log line.
func (h *handlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		h.metrics.QueryRequests.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
		h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

		h.log.Info().
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("elapsed", elapsed).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
