// Package app wires configuration into the store, cache, wiki client and
// observability stack shared by the katbot commands and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/graph/memory"
	"github.com/efebarandurmaz/katbot/internal/graph/neo4j"
	"github.com/efebarandurmaz/katbot/internal/graph/sqlstore"
	"github.com/efebarandurmaz/katbot/internal/metrics"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/pipeline"
	"github.com/efebarandurmaz/katbot/internal/report"
	"github.com/efebarandurmaz/katbot/internal/secrets"
	"github.com/efebarandurmaz/katbot/internal/wiki"
)

// App holds the opened resources of one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	RunID  string

	Store  graph.Store
	Cache  cache.Cache
	Wiki   *wiki.Client
	Audit  *observability.AuditLogger
	Tracer *observability.TracerProvider
	Pusher *metrics.Pusher
}

// ResolveSecrets fills empty passwords in cfg from the configured secrets
// provider.
func ResolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := secrets.NewManager(&secrets.Config{
		Provider:  cfg.Secrets.Provider,
		Path:      cfg.Secrets.Path,
		EnvPrefix: cfg.Secrets.Prefix,
	})
	if err != nil {
		return err
	}
	filled := m.Fill(ctx, map[secrets.SecretKey]*string{
		secrets.SecretStorePassword: &cfg.Store.Password,
		secrets.SecretWikiPassword:  &cfg.Wiki.Password,
		secrets.SecretNeo4jPassword: &cfg.Neo4j.Password,
		secrets.SecretRedisPassword: &cfg.Cache.RedisPassword,
	})
	if len(filled) > 0 {
		logger.Debug("secrets resolved", "count", len(filled))
	}
	return nil
}

// OpenStore opens the category store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (graph.Store, error) {
	switch cfg.Store.Driver {
	case "neo4j":
		s, err := neo4j.Open(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "fixture":
		s, err := memory.Open(cfg.Store.DSN)
		if err != nil {
			return nil, graph.AccessError("open fixture", err)
		}
		return s, nil
	default:
		s, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver:        cfg.Store.Driver,
			DSN:           cfg.Store.DSN,
			Password:      cfg.Store.Password,
			ChunkSize:     cfg.Store.ChunkSize,
			ProgressEvery: cfg.Store.ProgressEvery,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// OpenCache opens the dataset cache selected by cfg.Cache.Backend.
func OpenCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	return cache.Open(ctx, cache.Options{
		Backend:       cfg.Cache.Backend,
		Dir:           cfg.Cache.Dir,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		Prefix:        cfg.Cache.Prefix,
		TTL:           cfg.Cache.TTL,
	})
}

// OpenWiki creates the wiki client. It returns nil when no API URL is set.
func OpenWiki(cfg *config.Config, logger *slog.Logger) (*wiki.Client, error) {
	if cfg.Wiki.APIURL == "" {
		return nil, nil
	}
	retry := wiki.DefaultRetryConfig()
	retry.MaxRetries = cfg.Wiki.MaxRetries
	if cfg.Wiki.Timeout > 0 {
		retry.Timeout = cfg.Wiki.Timeout
	}
	return wiki.New(wiki.Options{
		APIURL:    cfg.Wiki.APIURL,
		Username:  cfg.Wiki.Username,
		Password:  cfg.Wiki.Password,
		UserAgent: cfg.Wiki.UserAgent,
		MaxLag:    cfg.Wiki.MaxLag,
		Retry:     retry,
		Logger:    logger,
	})
}

// Setup validates cfg and opens every resource. On error, whatever was
// already opened is closed.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ResolveSecrets(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	a = &App{Config: cfg, Logger: logger, RunID: uuid.NewString()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	tracing := observability.DefaultTracingConfig()
	tracing.OTLPEndpoint = cfg.Tracing.Endpoint
	tracing.Environment = cfg.Tracing.Environment
	tracing.SampleRate = cfg.Tracing.SampleRate
	tracing.RunID = a.RunID
	if cfg.Tracing.ServiceName != "" {
		tracing.ServiceName = cfg.Tracing.ServiceName
	}
	if a.Tracer, err = observability.InitTracing(ctx, tracing); err != nil {
		return a, fmt.Errorf("tracing: %w", err)
	}

	if a.Audit, err = observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Path,
		RunID:      a.RunID,
	}); err != nil {
		return a, err
	}

	if a.Store, err = OpenStore(ctx, cfg, logger); err != nil {
		return a, err
	}
	if a.Cache, err = OpenCache(ctx, cfg); err != nil {
		return a, fmt.Errorf("cache: %w", err)
	}
	if a.Wiki, err = OpenWiki(cfg, logger); err != nil {
		return a, err
	}
	if cfg.Metrics.PushgatewayURL != "" {
		a.Pusher = metrics.NewPusher(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)
	}

	logger.Info("katbot ready",
		"run_id", a.RunID,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Backend,
		"wiki", cfg.Wiki.APIURL != "",
	)
	return a, nil
}

// Sink returns the wiki client as a report sink, or nil without a wiki.
func (a *App) Sink() report.Sink {
	if a.Wiki == nil {
		return nil
	}
	return a.Wiki
}

// PipelineDeps returns the collaborators of a pipeline.Runner.
func (a *App) PipelineDeps() pipeline.Deps {
	return pipeline.Deps{
		Store:   a.Store,
		Sink:    a.Sink(),
		Cache:   a.Cache,
		Logger:  a.Logger,
		Audit:   a.Audit,
		Backend: a.Config.Store.Driver,
	}
}

// PushMetrics exports m to the Pushgateway when one is configured.
func (a *App) PushMetrics(ctx context.Context, m *metrics.RunMetrics) {
	if a.Pusher == nil {
		return
	}
	a.Pusher.Observe(m)
	if err := a.Pusher.Push(ctx); err != nil {
		a.Logger.Warn("pushing metrics failed", "error", err)
	}
}

// Close releases every opened resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close(ctx))
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Tracer != nil {
		errs = append(errs, a.Tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
