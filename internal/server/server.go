// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/phoneverify/internal/auth"
	"github.com/pendergraft/phoneverify/internal/config"
	"github.com/pendergraft/phoneverify/internal/middleware/logging"
	"github.com/pendergraft/phoneverify/internal/middleware/ratelimit"
	"github.com/pendergraft/phoneverify/internal/middleware/security"
	"github.com/pendergraft/phoneverify/internal/observability/metrics"
	verificationTransport "github.com/pendergraft/phoneverify/internal/verification/transport"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the storage surface the server needs directly.
type Store interface {
	Pinger
	auth.KeyValidator
}

var probePaths = []string{"/health", "/healthz", "/readyz", "/metrics"}

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  Store
	logger *slog.Logger
	router *chi.Mux

	verificationSvc verificationTransport.Service
	checks          map[string]Pinger
	limiters        []*ratelimit.Limiter
}

// Option configures a Server
type Option func(*Server)

// WithReadinessCheck adds a dependency to /readyz.
func WithReadinessCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks[name] = p
	}
}

// New creates a new server around an already wired verification service.
func New(cfg *config.Config, store Store, svc verificationTransport.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:             cfg,
		store:           store,
		logger:          logger,
		router:          chi.NewRouter(),
		verificationSvc: svc,
		checks:          map[string]Pinger{"storage": store},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// MetricsHandler serves /metrics for the dedicated metrics listener.
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	for _, l := range s.limiters {
		l.Stop()
	}
}

func (s *Server) limiter(cfg ratelimit.Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	l := ratelimit.New(cfg)
	s.limiters = append(s.limiters, l)
	return l.Middleware()
}

func (s *Server) setupMiddleware() {
	// Order matters: the client IP must be known before logging and limiting.
	s.router.Use(middleware.RealIP)
	s.router.Use(security.Filter(s.cfg.Server.FilterProbes, writeError))
	s.router.Use(security.MaxBodySize(s.cfg.Server.MaxBodyKB))

	s.router.Use(s.limiter(ratelimit.Config{
		Enabled:         s.cfg.RateLimit.Enabled,
		RequestsPerMin:  s.cfg.RateLimit.RequestsPerMin,
		BurstSize:       s.cfg.RateLimit.BurstSize,
		CleanupInterval: s.cfg.RateLimit.CleanupInterval,
		Exempt:          probePaths,
	}))

	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger, logging.WithQuietPaths(probePaths...)))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Port == 0 {
		s.router.Handle("/metrics", metrics.Handler())
	}

	verificationHandler := verificationTransport.NewHandler(s.verificationSvc)
	codeLimit := s.limiter(ratelimit.Config{
		Enabled:         s.cfg.RateLimit.Enabled,
		RequestsPerMin:  s.cfg.RateLimit.CodesPerMin,
		BurstSize:       s.cfg.RateLimit.CodesBurst,
		CleanupInterval: s.cfg.RateLimit.CleanupInterval,
		ErrorCode:       "CODE_RATE_LIMIT_EXCEEDED",
		Key:             callerKey,
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.Middleware(s.store, writeError))
		}
		r.Route("/verification", func(r chi.Router) {
			verificationHandler.RegisterRoutes(r, codeLimit)
		})
	})
}

// callerKey buckets code submissions per API key, or per client IP when auth
// is off.
func callerKey(r *http.Request) string {
	if id := auth.GetKeyIDFromContext(r.Context()); id != "" {
		return "key:" + id
	}
	return ratelimit.ClientIP(r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings every registered dependency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
