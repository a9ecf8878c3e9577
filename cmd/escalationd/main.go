package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/escalation"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/notify"
	"incident-escalation-service/pkg/policy"
	redisClient "incident-escalation-service/pkg/redis"
	"incident-escalation-service/pkg/server"
	"incident-escalation-service/pkg/store"
	"incident-escalation-service/pkg/sweep"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("pod_id", cfg.PodID).Info("Starting incident escalation service")

	// Initialize metrics
	metrics := metrics.NewMetrics()

	// Connect to Redis
	redisConfig := redisClient.DefaultConnectionConfig()
	redisConfig.URL = cfg.RedisURL

	redis, err := redisClient.NewClient(redisConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()
	rdb := redis.GetRedisClient()

	// Load policy table and build the resolver
	table, err := policy.LoadTable(cfg.PolicyFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load escalation policy table")
	}
	resolver := policy.NewResolver(table, logger)

	// Persistence, history and notification plumbing
	timerStore := store.NewRedisStore(rdb, logger, metrics)
	historyLog := store.NewRedisHistoryLog(rdb, logger, metrics)
	dispatcher := notify.NewStreamDispatcher(rdb, logger, metrics)

	// The engine owns the state machine; everything else is injected once
	// here and reused across requests.
	engine := escalation.NewEngine(timerStore, historyLog, resolver, dispatcher, cfg, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional periodic sweep shortening worst-case detection latency
	var sweeper *sweep.Sweeper
	leaderElection := sweep.NewLeaderElection(rdb, cfg, logger, metrics)
	if cfg.SweepEnabled {
		sweeper = sweep.NewSweeper(engine, timerStore, leaderElection, cfg, logger, metrics)
		sweeper.Start(ctx)
	}

	// Optional notification delivery worker
	var consumer *notify.Consumer
	if cfg.NotifyConsumerEnabled {
		consumer = notify.NewConsumer(rdb, cfg, logger, metrics, notify.NewLogDispatcher(logger))
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start notification consumer")
		}
	}

	// HTTP server
	httpServer := server.NewHTTPServer(cfg, engine, logger,
		func(ctx context.Context) error { return redis.Ping(ctx) },
		func(ctx context.Context) bool { return leaderElection.IsLeader(ctx) },
	)

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}

	logger.Info("Incident escalation service shutdown complete")
}
