package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/backend"
	"github.com/renwei/ai-chat-dispatch/internal/broker"
	"github.com/renwei/ai-chat-dispatch/internal/config"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
	"github.com/renwei/ai-chat-dispatch/internal/worker"
)

// One worker process serves one model family's stream as one named
// consumer. Any number of processes may join the same group; the stream's
// group membership load-balances entries between them.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Warn("failed loading .env files", zap.Error(err))
	}
	cfg := config.Load()

	if cfg.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required for a worker process")
	}

	group := cfg.WorkerGroup
	if group == "" {
		group = cfg.WorkerStream + "_workers"
	}
	consumer := cfg.WorkerConsumer
	if consumer == "" {
		hostname, _ := os.Hostname()
		consumer = hostname
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	streams, err := broker.NewStreamsBroker(ctx, broker.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		DLQStream:     cfg.RedisDLQ,
		Stream:        cfg.WorkerStream,
		Group:         group,
		Consumer:      consumer,
		MinIdle:       time.Duration(cfg.ReclaimMinIdleS) * time.Second,
		SweepInterval: time.Duration(cfg.ReclaimSweepS) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("redis broker init failed", zap.Error(err))
	}
	defer streams.Close()

	var store repository.Store
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory store")
		store = repository.NewMemoryStore()
	} else {
		pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	}

	var client backend.Client
	if cfg.BackendMock {
		client = &backend.MockClient{Delay: 500 * time.Millisecond}
		logger.Info("using mock backend")
	} else {
		client = backend.NewHTTPClient(backend.HTTPClientConfig{
			URL:     cfg.BackendURL,
			APIKey:  os.Getenv("BACKEND_API_KEY"),
			Timeout: time.Duration(cfg.BackendTimeoutMS) * time.Millisecond,
		})
	}

	processor := worker.NewProcessor(
		streams,
		store,
		client,
		backend.NewRefusalClassifier(cfg.Refusals()),
		worker.ProcessorConfig{
			WorkerID:    consumer,
			MaxAttempts: cfg.MaxAttempts,
			BackendRPS:  cfg.BackendRPS,
		},
		logger,
	)

	logger.Info("worker starting",
		zap.String("stream", cfg.WorkerStream),
		zap.String("group", group),
		zap.String("consumer", consumer),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
