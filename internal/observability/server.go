// Package observability provides the operational HTTP surface: liveness,
// readiness, Prometheus metrics, and fleet-wide task stats. The domain
// submission API is served elsewhere; only operational endpoints live
// here.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
)

// StatsFunc supplies the fleet-wide task stats served at /stats.
// submission.Service.Stats satisfies it.
type StatsFunc func(ctx context.Context) (monitor.Stats, error)

// Server serves /healthz, /readyz, /metrics, and /stats.
type Server struct {
	server *http.Server
	addr   string
	ready  func() bool
}

// statsResponse is the JSON shape served at /stats.
type statsResponse struct {
	Active        int     `json:"active"`
	Queued        int     `json:"queued"`
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Timeout       int     `json:"timeout"`
	SuccessRate   float64 `json:"success_rate"`
	P50DurationMs int64   `json:"p50_duration_ms"`
	P95DurationMs int64   `json:"p95_duration_ms"`
}

// NewServer constructs an observability HTTP server bound to addr. ready
// reports whether the process is ready to serve traffic (e.g. the Task
// Monitor backend has been selected); it may be nil, in which case
// /readyz always reports ready. stats may be nil to omit the /stats route.
func NewServer(addr string, ready func() bool, stats StatsFunc) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	if stats != nil {
		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			s, err := stats(req.Context())
			if err != nil {
				http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(statsResponse{
				Active:        s.Active,
				Queued:        s.Queued,
				Total:         s.Active + s.Queued + s.Completed + s.Failed + s.Timeout,
				Completed:     s.Completed,
				Failed:        s.Failed,
				Timeout:       s.Timeout,
				SuccessRate:   s.SuccessRate,
				P50DurationMs: s.P50Duration.Milliseconds(),
				P95DurationMs: s.P95Duration.Milliseconds(),
			})
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return &Server{
		addr:  addr,
		ready: ready,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the server in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("starting observability HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("observability HTTP server error")
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down observability HTTP server")
	return s.server.Shutdown(ctx)
}
