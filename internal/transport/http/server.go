// Package http provides the HTTP transport layer of the queuegate agent and
// the middleware shared with the sandbox.
//
// Agent routes:
//
//	GET  /health
//	GET  /state
//	POST /navigate
//	POST /trigger/{event}
//	POST /poll
//	POST /retry
//	POST /bypass
//	POST /cancel
//	POST /leave
//	GET  /ws
//	GET  /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/gate"
	"github.com/snehjoshi/queuegate/internal/metrics"
	transportws "github.com/snehjoshi/queuegate/internal/transport/websocket"
)

// Agent requests come from a single UI, so the limits are generous.
const (
	agentRPS   = 100.0
	agentBurst = 200
)

// Server wraps the stdlib HTTP server with the agent route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a state machine. reg may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(m *gate.Machine, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{machine: m, started: time.Now()}
	ws := &transportws.Handler{Bus: m.Bus(), Snapshot: m.Snapshot}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware)
	r.Use(MaxBodyMiddleware)
	r.Use(LoggingMiddleware(reg))
	r.Use(AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled, "/health"))
	r.Use(RateLimitMiddleware(agentRPS, agentBurst))

	r.Get("/health", h.health)
	r.Get("/state", h.state)
	r.Post("/navigate", h.navigate)
	r.Post("/trigger/{event}", h.trigger)
	r.Post("/poll", h.poll)
	r.Post("/retry", h.retry)
	r.Post("/bypass", h.bypass)
	r.Post("/cancel", h.cancel)
	r.Post("/leave", h.leave)
	r.Method(http.MethodGet, "/ws", ws)
	if reg != nil {
		r.Handle("/metrics", reg.Handler())
	}

	return &Server{
		inner: &http.Server{
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8090").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
