// Package ops serves the operational HTTP surface: health and metrics. The
// engine exposes no network API for agents or executions; this listener
// exists for process supervisors and scrapers.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/config"
	"agent-engine/internal/monitor"
)

// Pinger is the store health surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is the sandbox backend health surface.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server is the operational HTTP listener.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	startTime  time.Time
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Store   bool   `json:"store"`
	Sandbox bool   `json:"sandbox"`
	Uptime  string `json:"uptime"`
}

// NewServer wires the health and metrics routes.
func NewServer(cfg *config.Config, st Pinger, backend HealthChecker, metrics *monitor.Metrics) *Server {
	s := &Server{startTime: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth(st, backend))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down ops server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(st Pinger, backend HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeOK := st == nil || st.Ping(r.Context()) == nil
		sandboxOK := backend == nil || backend.Healthy(r.Context())

		resp := HealthResponse{
			Status:  "ok",
			Store:   storeOK,
			Sandbox: sandboxOK,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		}
		if !storeOK || !sandboxOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}
