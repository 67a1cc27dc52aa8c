// Package sandbox is a local stand-in for the backend queueing API.
//
// It serves the /api/queueit contract the SDK in pkg/client consumes, with a
// deliberately trivial FIFO release rule: each position poll moves every
// waiting visitor forward by release_per_poll places. Queue tokens are HS256
// JWTs wrapping a ULID queue id.
//
// Routes:
//
//	POST /api/queueit/validate
//	GET  /api/queueit/position/{eventId}
//	POST /api/queueit/cancel
//	POST /api/queueit/extend-cookie
//	GET  /api/queueit/status
//	GET  /api/queueit/health
//	GET  /api/queueit/session-info
//	POST /api/queueit/simulate-event
//	POST /api/queueit/reset-test-state
package sandbox

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/metrics"
	transphttp "github.com/snehjoshi/queuegate/internal/transport/http"
)

// Stats are lifetime counters of one sandbox.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Released int64 `json:"released"`
	Rejected int64 `json:"rejected"`
	Canceled int64 `json:"canceled"`
}

// Server holds the sandbox's in-memory queues.
type Server struct {
	cfg        config.SandboxConfig
	customerID string
	apiKey     string
	clock      clock.PassiveClock
	metrics    *metrics.Registry
	signer     signer

	mu     sync.Mutex
	events map[string]*eventQueue

	enqueued atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
	canceled atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for tokens and join times.
func WithClock(c clock.PassiveClock) Option { return func(s *Server) { s.clock = c } }

// WithMetrics records HTTP and queue metrics in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Server) { s.metrics = reg } }

// WithAPIKey requires key in X-Api-Key on every route except health.
func WithAPIKey(key string) Option { return func(s *Server) { s.apiKey = key } }

// WithCustomerID sets the customer id reported by health and used in
// waiting-room redirect URLs.
func WithCustomerID(id string) Option { return func(s *Server) { s.customerID = id } }

// New validates cfg and builds a Server.
func New(cfg config.SandboxConfig, opts ...Option) (*Server, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("sandbox: signing_key must not be empty")
	}
	s := &Server{
		cfg:        cfg,
		customerID: "sandbox",
		clock:      clock.RealClock{},
	}
	for _, o := range opts {
		o(s)
	}
	s.signer = signer{key: []byte(cfg.SigningKey), now: s.clock.Now}
	s.Reset()
	return s, nil
}

// Reset drops every visitor and restores the configured event settings.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]*eventQueue, len(s.cfg.Events))
	for _, ev := range s.cfg.Events {
		s.events[ev.EventID] = newEventQueue(ev)
		s.metrics.SetSandboxWaiting(ev.EventID, 0)
	}
}

// Stats returns the lifetime counters.
func (s *Server) Stats() Stats {
	return Stats{
		Enqueued: s.enqueued.Load(),
		Released: s.released.Load(),
		Rejected: s.rejected.Load(),
		Canceled: s.canceled.Load(),
	}
}

// Handler returns the chi router with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(transphttp.CORSMiddleware)
	r.Use(transphttp.MaxBodyMiddleware)
	r.Use(transphttp.LoggingMiddleware(s.metrics))
	r.Use(transphttp.AuthMiddleware(s.apiKey, s.apiKey != "", "/api/queueit/health"))
	r.Use(transphttp.RateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))

	r.Route("/api/queueit", func(r chi.Router) {
		r.Post("/validate", s.validate)
		r.Get("/position/{eventId}", s.position)
		r.Post("/cancel", s.cancel)
		r.Post("/extend-cookie", s.extendCookie)
		r.Get("/status", s.status)
		r.Get("/health", s.health)
		r.Get("/session-info", s.sessionInfo)
		r.Post("/simulate-event", s.simulateEvent)
		r.Post("/reset-test-state", s.resetTestState)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}
