// Package api is the operational HTTP surface of the scanner: scan
// creation, run inspection, cancellation, reports, and worker visibility.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/config"
	"github.com/quillsec/quill/internal/queue"
	"github.com/quillsec/quill/internal/reports"
	"github.com/quillsec/quill/internal/scan"
	"github.com/quillsec/quill/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	store     *store.Store
	queue     *queue.Queue
	orch      *scan.Orchestrator
	scheduler *scan.Scheduler
	providers *asset.Registry
	reports   *reports.Generator
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithScheduler(sched *scan.Scheduler) ServerOption {
	return func(s *Server) {
		s.scheduler = sched
	}
}

func NewServer(cfg *config.Config, st *store.Store, q *queue.Queue, orch *scan.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		logger:    slog.Default(),
		store:     st,
		queue:     q,
		orch:      orch,
		providers: asset.NewRegistry(cfg.Scanner.TransportRetries),
		reports:   reports.NewGenerator(st),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Post("/{scanID}/run", s.startRun)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.getRun)
			r.Post("/{runID}/cancel", s.cancelRun)
			r.Get("/{runID}/results", s.getRunResults)
			r.Get("/{runID}/failures", s.getRunFailures)
			r.Get("/{runID}/report", s.getRunReport)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Post("/{assetID}/ping", s.pingAsset)
		})

		r.Get("/users/{userID}", s.getUser)
		r.Get("/workers", s.listWorkers)
	})
}

// requireToken is a static bearer token gate. An unset token disables the
// check, which only makes sense for local development.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || provided != token {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			s.logger.Error("failed to start scheduler", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
