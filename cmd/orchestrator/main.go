package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meshguard/meshguard/internal/notify"
	"github.com/meshguard/meshguard/internal/ops"
	"github.com/meshguard/meshguard/internal/orchestrator"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/internal/router"
	"github.com/meshguard/meshguard/internal/store"
	"github.com/meshguard/meshguard/pkg/config"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

func main() {
	// Load .env if present; real deployments use environment variables
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "meshguard",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	// Redis is optional: without it the orchestrator runs with in-memory
	// state only and skips snapshots
	var redis *store.RedisClient
	redis, err = store.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, running without snapshots", "error", err.Error())
		redis = nil
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redis.Health(ctx); err != nil {
			logger.Warn("Redis health check failed, running without snapshots", "error", err.Error())
			redis.Close()
			redis = nil
		} else {
			logger.Info("Redis connection established")
			defer redis.Close()
		}
		cancel()
	}

	notifier := notify.NewNotifier(logger)
	notifier.AddChannel(notify.NewLogChannel(logger))
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		notifier.AddChannel(notify.NewSlackChannel(webhook, os.Getenv("SLACK_CHANNEL"), "meshguard"))
	}

	svc := orchestrator.NewService(cfg, orchestrator.Dependencies{
		Prober:   registry.NewHTTPProber(os.Getenv("HEALTH_PROBE_PATH"), 5*time.Second),
		Executor: router.NewHTTPExecutor(10 * time.Second),
		Redis:    redis,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  m,
	})

	if path := os.Getenv("TOPOLOGY_FILE"); path != "" {
		topo, err := loadTopology(path)
		if err != nil {
			log.Fatalf("Failed to load topology: %v", err)
		}
		if err := applyTopology(svc, topo, logger); err != nil {
			log.Fatalf("Failed to apply topology: %v", err)
		}
	}

	if err := svc.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	defer svc.Stop()

	opsServer := ops.NewServer(cfg.Ops, svc, logger)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Fatalf("Failed to start ops server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(ctx); err != nil {
		logger.Error("Ops server forced to shutdown", "error", err.Error())
	}
}
