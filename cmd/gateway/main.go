package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/backend"
	"github.com/renwei/ai-chat-dispatch/internal/broker"
	"github.com/renwei/ai-chat-dispatch/internal/config"
	httpserver "github.com/renwei/ai-chat-dispatch/internal/http"
	"github.com/renwei/ai-chat-dispatch/internal/http/handlers"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
	"github.com/renwei/ai-chat-dispatch/internal/routing"
	"github.com/renwei/ai-chat-dispatch/internal/service"
	"github.com/renwei/ai-chat-dispatch/internal/worker"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	modelRouter, err := routing.NewRouter(cfg.Routes())
	if err != nil {
		logger.Fatal("invalid routing table", zap.Error(err))
	}

	publisher, localBroker, brokerCloser := setupBroker(ctx, cfg, logger)
	defer brokerCloser()

	dispatcher := service.NewDispatcher(store, publisher, modelRouter, logger)
	reader := service.NewReader(store, logger)
	api := handlers.NewAPI(dispatcher, reader)

	// Without Redis nothing external consumes the streams; run one
	// embedded worker per route stream so the pipeline still completes
	// in local development.
	if localBroker != nil {
		startEmbeddedWorkers(ctx, cfg, localBroker, store, logger)
	}

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Logger:      logger,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("port", cfg.Port))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), func() {}
	}
	pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("postgres store unavailable, falling back to memory", zap.Error(err))
		return repository.NewMemoryStore(), func() {}
	}
	logger.Info("postgres store initialized")
	return pgStore, pgStore.Close
}

func setupBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (broker.Publisher, *broker.LocalBroker, func()) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not configured, using local broker fallback")
		local := broker.NewLocalBroker(512, logger)
		return local, local, func() {}
	}

	streams, err := broker.NewStreamsBroker(ctx, broker.StreamsConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		DLQStream: cfg.RedisDLQ,
	}, logger)
	if err != nil {
		logger.Warn("redis broker unavailable, falling back to local", zap.Error(err))
		local := broker.NewLocalBroker(512, logger)
		return local, local, func() {}
	}
	logger.Info("redis streams broker initialized")
	return streams, nil, func() { _ = streams.Close() }
}

func startEmbeddedWorkers(
	ctx context.Context,
	cfg config.Config,
	local *broker.LocalBroker,
	store repository.Store,
	logger *zap.Logger,
) {
	var client backend.Client
	if cfg.BackendMock {
		client = &backend.MockClient{Delay: 100 * time.Millisecond}
	} else {
		client = backend.NewHTTPClient(backend.HTTPClientConfig{
			URL:     cfg.BackendURL,
			Timeout: time.Duration(cfg.BackendTimeoutMS) * time.Millisecond,
		})
	}
	refusal := backend.NewRefusalClassifier(cfg.Refusals())

	hostname, _ := os.Hostname()
	seen := make(map[string]struct{})
	for _, rule := range cfg.Routes() {
		if _, ok := seen[rule.Stream]; ok {
			continue
		}
		seen[rule.Stream] = struct{}{}

		processor := worker.NewProcessor(
			local.StreamConsumer(rule.Stream),
			store,
			client,
			refusal,
			worker.ProcessorConfig{
				WorkerID:    hostname + "-embedded-" + rule.Stream,
				MaxAttempts: cfg.MaxAttempts,
				BackendRPS:  cfg.BackendRPS,
			},
			logger,
		)
		go func(stream string) {
			logger.Info("embedded worker started", zap.String("stream", stream))
			_ = processor.Run(ctx)
		}(rule.Stream)
	}
}
