package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/dispatch"
	"github.com/me/flround/internal/metrics"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/internal/orchestrator"
	"github.com/me/flround/internal/registry"
	"github.com/me/flround/internal/store"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.1.0"

// StatusSource reports the state of the round loop.
type StatusSource interface {
	Status() orchestrator.Status
}

// Server is the coordinator REST API. Clients register, heartbeat, check out
// work and report through it; operators read status and round history.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.Config
	startTime time.Time
	registry  *registry.Registry
	rounds    store.RoundLog
	status    StatusSource       // optional; /status answers 503 without it
	live      *oracle.Live       // optional; nil in simulated mode
	remote    *dispatch.Remote   // optional; nil in simulated mode
	clock     oracle.Clock
	metrics   *metrics.Collector // optional; /metrics is not mounted without it
	limiter   *clientLimiter
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLiveClients enables the client runtime endpoints.
func WithLiveClients(live *oracle.Live, remote *dispatch.Remote) Option {
	return func(s *Server) {
		s.live = live
		s.remote = remote
	}
}

// WithMetrics mounts /metrics and records per-request counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStatus sets the source for /status.
func WithStatus(src StatusSource) Option {
	return func(s *Server) {
		s.status = src
	}
}

// WithClock sets the clock used to timestamp heartbeats.
func WithClock(c oracle.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.Config, reg *registry.Registry, rounds store.RoundLog, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		registry:  reg,
		rounds:    rounds,
		clock:     oracle.WallClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newClientLimiter(cfg.ClientRPS)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger, s.metrics))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/rounds", s.handleListRounds)

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", s.handleListClients)
			r.Post("/", s.handleRegisterClient)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.limiter.middleware)
				r.Get("/", s.handleGetClient)
				r.Put("/heartbeat", s.handleClientHeartbeat)
				r.Get("/work", s.handleClientCheckout)
				r.Put("/report", s.handleClientReport)
			})
		})
	})
}
