package server

import (
	"Coffer/internal/currency"
	"Coffer/internal/leaderboard"
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP API needs.
type Deps struct {
	Catalog      *currency.Catalog
	Registry     *registry.Registry
	Leaderboard  *leaderboard.Cache
	Buffer       *persistence.WriteBuffer
	Health       *observability.HealthChecker
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	LoginTimeout time.Duration
	Logger       zerolog.Logger
}

// Server is the admin and bridge HTTP API.
type Server struct {
	addr       string
	deps       Deps
	handler    http.Handler
	httpServer *http.Server
}

func New(addr string, deps Deps) *Server {
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	if deps.LoginTimeout <= 0 {
		deps.LoginTimeout = registry.DefaultLoginTimeout
	}
	s := &Server{addr: addr, deps: deps}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.deps.Logger, s.deps.Metrics))

	r.Get("/healthz", s.deps.Health.LivenessHandler)
	r.Get("/readyz", s.deps.Health.ReadinessHandler)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/currencies", s.handleCurrencies)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Put("/", s.handleSessionStart)
			r.Delete("/", s.handleSessionEnd)
		})

		r.Get("/accounts/by-name/{name}", s.handleAccountByName)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", s.handleAccount)
			r.Post("/balances/{currency}/{op}", s.handleBalanceOp)
		})

		r.Get("/leaderboard/{currency}", s.handleLeaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/flush", s.handleFlush)
			r.Post("/save-all", s.handleSaveAll)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}
