package main

import (
	"context"
	"fmt"
	"log"
	"os"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/katbot/internal/app"
	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/metrics"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/pipeline"
	"github.com/efebarandurmaz/katbot/internal/server"
	temporalmod "github.com/efebarandurmaz/katbot/internal/temporal"
)

func main() {
	configPath := "configs/katbot.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	if err := cfg.CheckWorker(); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	if a.Pusher == nil {
		a.Pusher = metrics.NewPusher("", cfg.Metrics.Job)
	}

	temporalmod.SetDependencies(&temporalmod.Dependencies{
		Store:   a.Store,
		Sink:    a.Sink(),
		Cache:   a.Cache,
		Options: pipeline.OptionsFromConfig(cfg),
		Logger:  logger,
		Audit:   a.Audit,
		Backend: cfg.Store.Driver,
		Metrics: a.Pusher,
	})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		_ = a.Close(ctx)
		log.Fatalf("temporal client: %v", err)
	}

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		c.Close()
		_ = a.Close(ctx)
		log.Fatalf("worker: %v", err)
	}

	gs := server.NewGracefulServer(
		&server.HealthConfig{Version: "0.1.0", RunID: a.RunID, Addr: cfg.Server.Addr, Logger: logger},
		&server.ShutdownConfig{Logger: logger},
	)
	gs.Health.HandleMetrics(a.Pusher.Registry())
	gs.Health.RegisterCheck("store", server.StoreHealthChecker(a.Store, cfg.Store.Driver))
	gs.Health.RegisterCheck("cache", server.CacheHealthChecker(a.Cache))
	gs.Health.RegisterCheck("temporal", server.TemporalHealthChecker(func(ctx context.Context) error {
		_, err := c.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
		return err
	}))

	gs.RegisterHook("temporal-worker", server.PriorityWorker, func(context.Context) error {
		w.Stop()
		c.Close()
		return nil
	})
	gs.RegisterHook("metrics", server.PriorityMetrics, a.Pusher.Push)
	gs.RegisterHook("resources", server.PriorityStore, a.Close)

	errCh := gs.Start()
	gs.Health.SetReady(true)
	fmt.Printf("Worker started on task queue: %s (health on %s)\n", cfg.Temporal.TaskQueue, cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("health server failed", "error", err)
			gs.Shutdown.Shutdown()
		}
	case <-gs.Shutdown.Started():
	}
	gs.Wait()
	fmt.Println("Worker stopped")
}
