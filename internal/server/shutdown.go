package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Hook priorities. Lower runs first.
const (
	PriorityHTTP    = 10
	PriorityWorker  = 20
	PriorityMetrics = 80
	PriorityTracing = 85
	PriorityStore   = 90
	PriorityAudit   = 95
)

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	// Timeout for all hooks together (default 30s).
	Timeout time.Duration
	// Signals to listen for (default SIGTERM, SIGINT).
	Signals []os.Signal
	Logger  *slog.Logger
}

// DefaultShutdownConfig returns default configuration.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// ShutdownHandler runs registered hooks in priority order when a signal
// arrives or Shutdown is called.
type ShutdownHandler struct {
	mu          sync.Mutex
	hooks       []ShutdownHook
	timeout     time.Duration
	signals     []os.Signal
	logger      *slog.Logger
	startedCh   chan struct{}
	triggerCh   chan struct{}
	doneCh      chan struct{}
	started     bool
	startOnce   sync.Once
	triggerOnce sync.Once
	errs        []error
}

// NewShutdownHandler creates a shutdown handler.
func NewShutdownHandler(cfg *ShutdownConfig) *ShutdownHandler {
	def := DefaultShutdownConfig()
	if cfg == nil {
		cfg = def
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	signals := cfg.Signals
	if len(signals) == 0 {
		signals = def.Signals
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownHandler{
		timeout:   timeout,
		signals:   signals,
		logger:    logger.With("component", "shutdown"),
		startedCh: make(chan struct{}),
		triggerCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// RegisterHook adds a shutdown hook.
func (s *ShutdownHandler) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, ShutdownHook{Name: name, Priority: priority, Fn: fn})
	sort.SliceStable(s.hooks, func(i, j int) bool { return s.hooks[i].Priority < s.hooks[j].Priority })
}

// Start begins listening for shutdown signals. Calling it again is a no-op.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutdown signal received", "signal", sig.String())
		case <-s.triggerCh:
			s.logger.Info("shutdown requested")
		}
		signal.Stop(sigCh)
		s.startOnce.Do(func() { close(s.startedCh) })
		s.run()
	}()
}

// Shutdown triggers a shutdown. It does nothing before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.triggerOnce.Do(func() { close(s.triggerCh) })
}

// Wait blocks until every hook has run.
func (s *ShutdownHandler) Wait() {
	<-s.doneCh
}

// WaitWithTimeout blocks until shutdown is complete or timeout elapses.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done closes when shutdown is complete.
func (s *ShutdownHandler) Done() <-chan struct{} { return s.doneCh }

// Started closes when shutdown begins.
func (s *ShutdownHandler) Started() <-chan struct{} { return s.startedCh }

// Errors returns the hook failures of a completed shutdown.
func (s *ShutdownHandler) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *ShutdownHandler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			s.logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("shutdown hook done", "hook", hook.Name, "duration", time.Since(start))
	}

	s.mu.Lock()
	s.errs = errs
	s.mu.Unlock()
	close(s.doneCh)
}

// GracefulServer combines the health server with shutdown handling.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler
}

// NewGracefulServer creates a health server whose HTTP listener is the first
// thing stopped on shutdown. Readiness drops as soon as shutdown starts.
func NewGracefulServer(healthCfg *HealthConfig, shutdownCfg *ShutdownConfig) *GracefulServer {
	health := NewHealthServer(healthCfg)
	shutdown := NewShutdownHandler(shutdownCfg)
	shutdown.RegisterHook("health-server", PriorityHTTP, health.Shutdown)

	go func() {
		<-shutdown.Started()
		health.SetReady(false)
	}()

	return &GracefulServer{Health: health, Shutdown: shutdown}
}

// Start serves the health endpoints in the background and begins listening
// for signals. errCh receives a listener failure.
func (g *GracefulServer) Start() <-chan error {
	g.Shutdown.Start()
	errCh := make(chan error, 1)
	go func() {
		if err := g.Health.ListenAndServe(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// RegisterHook adds a shutdown hook.
func (g *GracefulServer) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	g.Shutdown.RegisterHook(name, priority, fn)
}

// Wait blocks until shutdown is complete.
func (g *GracefulServer) Wait() {
	g.Shutdown.Wait()
}
