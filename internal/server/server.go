package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BadgerOps/ocistash/internal/engine"
	"github.com/BadgerOps/ocistash/internal/store"
)

// Server exposes sync status, control and metrics over HTTP.
type Server struct {
	engine     *engine.SyncManager
	store      *store.Store
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server
	syncing    atomic.Bool
}

// NewServer creates a new Server instance. A nil gatherer serves the
// default prometheus registry.
func NewServer(eng *engine.SyncManager, st *store.Store, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		engine:   eng,
		store:    st,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Start serves on listenAddr until Shutdown is called.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Sync requests and progress streams outlive a normal write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/repositories", s.handleAPIRepositories)
	mux.HandleFunc("GET /api/repositories/{name...}", s.handleAPIRepository)

	mux.HandleFunc("POST /api/sync", s.handleAPISync)
	mux.HandleFunc("GET /api/sync/progress", s.handleAPISyncProgress)
	mux.HandleFunc("GET /api/sync/runs", s.handleAPISyncRuns)
	mux.HandleFunc("GET /api/sync/failures", s.handleAPISyncFailures)
	mux.HandleFunc("POST /api/sync/failures/resolve", s.handleAPISyncFailureResolve)

	mux.HandleFunc("POST /api/validate", s.handleAPIValidate)

	return mux
}
