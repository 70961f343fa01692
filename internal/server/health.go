// Package server exposes the worker's health probes and metrics over HTTP
// and coordinates graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/graph"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

const checkTimeout = 5 * time.Second

// HealthCheck is the result of one dependency check.
type HealthCheck struct {
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse is the body of every probe endpoint.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker performs a health check.
type HealthChecker func(ctx context.Context) HealthCheck

// HealthConfig configures the health server.
type HealthConfig struct {
	Version string
	RunID   string
	// Addr to listen on (default ":8080").
	Addr   string
	Logger *slog.Logger
}

// HealthServer serves /healthz, /readyz, /livez and any extra handlers
// mounted with Handle.
type HealthServer struct {
	mu      sync.RWMutex
	checks  map[string]HealthChecker
	version string
	runID   string
	addr    string
	ready   bool
	live    bool
	closed  bool

	mux    *http.ServeMux
	srv    *http.Server
	logger *slog.Logger
}

// NewHealthServer creates a health server. It starts live and not ready.
func NewHealthServer(cfg *HealthConfig) *HealthServer {
	if cfg == nil {
		cfg = &HealthConfig{}
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HealthServer{
		checks:  make(map[string]HealthChecker),
		version: cfg.Version,
		runID:   cfg.RunID,
		addr:    addr,
		live:    true,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "server"),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/livez", s.handleLive)
	return s
}

// RegisterCheck adds a named dependency check to /healthz.
func (s *HealthServer) RegisterCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = checker
}

// Handle mounts an extra handler, e.g. /metrics.
func (s *HealthServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// HandleMetrics mounts the Prometheus handler for reg at /metrics.
func (s *HealthServer) HandleMetrics(reg *prometheus.Registry) {
	s.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}

func (s *HealthServer) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *HealthServer) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

// Handler returns the server's mux.
func (s *HealthServer) Handler() http.Handler { return s.mux }

// ListenAndServe serves until Shutdown is called. A clean shutdown returns nil.
func (s *HealthServer) ListenAndServe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("health server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight probes.
func (s *HealthServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Check runs every registered check and folds them into one response.
func (s *HealthServer) Check(ctx context.Context) HealthResponse {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthChecker, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		RunID:     s.runID,
		Checks:    make([]HealthCheck, 0, len(names)),
	}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		check := checks[name](cctx)
		cancel()
		check.Name = name
		resp.Checks = append(resp.Checks, check)

		switch check.Status {
		case HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if resp.Status == HealthStatusHealthy {
				resp.Status = HealthStatusDegraded
			}
		}
	}
	return resp
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.Check(r.Context())
	code := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	s.writeFlag(w, ready)
}

func (s *HealthServer) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	live := s.live
	s.mu.RUnlock()
	s.writeFlag(w, live)
}

func (s *HealthServer) writeFlag(w http.ResponseWriter, ok bool) {
	resp := HealthResponse{Status: HealthStatusHealthy, Timestamp: time.Now().UTC()}
	code := http.StatusOK
	if !ok {
		resp.Status = HealthStatusUnhealthy
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *HealthServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("write health response", "error", err)
	}
}

func dependencyCheck(kind string, err error, failed HealthStatus) HealthCheck {
	if err != nil {
		return HealthCheck{Status: failed, Message: kind + " check failed: " + err.Error()}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: kind + " OK"}
}

// TemporalHealthChecker reports the Temporal frontend through checkFn,
// typically client.CheckHealth.
func TemporalHealthChecker(checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		return dependencyCheck("Temporal", checkFn(ctx), HealthStatusUnhealthy)
	}
}

// StoreHealthChecker pings the category store. Stores without a remote
// connection are always healthy.
func StoreHealthChecker(store graph.Store, backend string) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		p, ok := store.(graph.Pinger)
		if !ok {
			return HealthCheck{Status: HealthStatusHealthy, Message: "store has no connection", Details: map[string]string{"backend": backend}}
		}
		check := dependencyCheck("Category store", p.Ping(ctx), HealthStatusUnhealthy)
		check.Details = map[string]string{"backend": backend}
		return check
	}
}

// CacheHealthChecker reads a probe key from the dataset cache. Failure is
// reported as degraded.
func CacheHealthChecker(c cache.Cache) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		_, _, err := c.Get(ctx, cache.KeyHidden)
		return dependencyCheck("Cache", err, HealthStatusDegraded)
	}
}
