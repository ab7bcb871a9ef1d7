// Package server exposes the monitor over a small REST and SSE API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethomics/rigmonitor/internal/config"
	"github.com/ethomics/rigmonitor/internal/db"
	"github.com/ethomics/rigmonitor/internal/metrics"
	"github.com/ethomics/rigmonitor/internal/monitor"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server for the monitor REST API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	db      *db.DB
	agg     *monitor.Aggregator
	metrics *metrics.Metrics
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	hub     *watchHub

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, database *db.DB, agg *monitor.Aggregator,
	m *metrics.Metrics, opts ...Option,
) *Server {
	s := &Server{
		cfg:     cfg,
		db:      database,
		agg:     agg,
		metrics: m,
		mux:     http.NewServeMux(),
		hub:     newWatchHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// NotifyStoreChange wakes every connected SSE stream so monitors
// refresh ahead of their next poll tick. The store watcher calls this
// on each debounced file change.
func (s *Server) NotifyStoreChange() {
	s.hub.broadcast()
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/activity", s.withTimeout(s.handleActivity))
	// SSE: Do not use timeout, as this is a long-lived connection.
	s.mux.HandleFunc("GET /api/v1/activity/watch", s.handleWatchActivity)

	s.mux.Handle("GET /api/v1/setups", s.withTimeout(s.handleListSetups))
	s.mux.Handle("GET /api/v1/control", s.withTimeout(s.handleListControls))
	s.mux.Handle(
		"PUT /api/v1/control/bulk", s.withTimeout(s.handleBulkUpdateControl),
	)
	s.mux.Handle(
		"PUT /api/v1/control/{setup}", s.withTimeout(s.handleUpdateControl),
	)

	s.mux.Handle("GET /api/v1/tasks", s.withTimeout(s.handleListTasks))
	s.mux.Handle("POST /api/v1/tasks", s.withTimeout(s.handleCreateTask))
	s.mux.Handle("PUT /api/v1/tasks/{idx}", s.withTimeout(s.handleUpdateTask))
	s.mux.Handle(
		"DELETE /api/v1/tasks/{idx}", s.withTimeout(s.handleDeleteTask),
	)

	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server. It returns
// http.ErrServerClosed after a Shutdown.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}
