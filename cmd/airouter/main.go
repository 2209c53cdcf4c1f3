package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/ai-router/internal/api"
	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/config"
	"github.com/felipepmaragno/ai-router/internal/crypto"
	"github.com/felipepmaragno/ai-router/internal/dispatch"
	"github.com/felipepmaragno/ai-router/internal/health"
	"github.com/felipepmaragno/ai-router/internal/metaquery"
	"github.com/felipepmaragno/ai-router/internal/notifications"
	"github.com/felipepmaragno/ai-router/internal/provider"
	"github.com/felipepmaragno/ai-router/internal/queue"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/felipepmaragno/ai-router/internal/router"
	"github.com/felipepmaragno/ai-router/internal/secrets"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
	"github.com/felipepmaragno/ai-router/internal/transport"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting AI Router", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "ai-router", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		closers = append(closers, db)
		slog.Info("connected to postgres")
	}

	registry := buildRegistry(cfg)

	senders := transport.NewMux()
	senders.Handle(transport.KindHTTP, transport.NewHTTPSender(transport.NewClient(transport.DefaultClientConfig())))
	if _, err := registry.Get(provider.Bedrock); err == nil {
		bedrock, err := transport.NewBedrockSender(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create bedrock client", "error", err)
			os.Exit(1)
		}
		senders.Handle(transport.KindBedrock, bedrock)
	}

	secretStore, err := buildSecrets(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up secrets", "error", err)
		os.Exit(1)
	}

	store, checks, err := buildTelemetryStore(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to set up telemetry store", "error", err)
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok && db == nil {
		closers = append(closers, c)
	}
	recorder := telemetry.NewRecorder(store)

	users, err := buildUsers(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to set up users", "error", err)
		os.Exit(1)
	}

	healthCfg := health.Config{MaxFailures: cfg.HealthMaxFailures, Cooldown: cfg.HealthCooldown}
	var tracker health.Tracker
	var rateLimiter ratelimit.Limiter
	var dedup metaquery.Deduplicator
	if cfg.RedisURL != "" {
		redisTracker, err := health.NewRedis(cfg.RedisURL, healthCfg)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		redisDedup, err := metaquery.NewRedisDeduplicator(cfg.RedisURL, cfg.MetaQueryDedupTTL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		closers = append(closers, redisTracker, redisLimiter, redisDedup)
		checks = append(checks, api.NewPingChecker("redis", redisLimiter.Ping))
		tracker, rateLimiter, dedup = redisTracker, redisLimiter, redisDedup
		slog.Info("using redis for health, rate limits and meta-query dedup")
	} else {
		tracker = health.NewInMemory(healthCfg)
		rateLimiter = ratelimit.NewInMemoryLimiter()
		dedup = metaquery.NewInMemoryDeduplicator(10000, cfg.MetaQueryDedupTTL)
		slog.Info("using in-memory health, rate limits and meta-query dedup")
	}

	dispatcher := dispatch.New(dispatch.Config{
		Registry: registry,
		Sender:   senders,
		Secrets:  secretStore,
		Access:   auth.NewRBAC(users),
		Recorder: recorder,
		Options: dispatch.Options{
			Retries:   cfg.DispatchRetries,
			Timeout:   cfg.DispatchTimeout,
			BaseDelay: cfg.DispatchBaseDelay,
			MaxDelay:  dispatch.DefaultOptions().MaxDelay,
		},
	})

	metaQueries, err := metaquery.NewService(dedup, recorder, metaquery.Options{
		BatchSize:     cfg.MetaQueryBatch,
		TrendCapacity: metaquery.DefaultOptions().TrendCapacity,
	})
	if err != nil {
		slog.Error("failed to set up meta-query service", "error", err)
		os.Exit(1)
	}

	var notifier notifications.Notifier = notifications.NewInMemoryNotifier()
	if cfg.SNSTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("provider notifications enabled", "topic", cfg.SNSTopicARN)
	}

	queryRouter := router.New(router.Config{
		Registry:        registry,
		Dispatcher:      dispatcher,
		Health:          tracker,
		HealthConfig:    healthCfg,
		Recorder:        recorder,
		Notifier:        notifier,
		MetaQuery:       metaQueries,
		DefaultProvider: cfg.DefaultProvider,
	})

	var workerDone <-chan struct{}
	if cfg.AsyncEnabled() {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSRequestQueueURL, cfg.SQSResultQueueURL)
		if err != nil {
			slog.Error("failed to create sqs queue", "error", err)
			os.Exit(1)
		}
		workerDone = queue.NewWorker(q, queryRouter).Start(ctx)
	}

	guard := auth.NewMiddleware(auth.NewAuthenticator(users))
	handler := api.NewHandler(api.HandlerConfig{
		Router:       queryRouter,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
		Admin:        api.NewAdminHandler(recorder, metaQueries, guard),
		HealthChecks: checks,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "providers", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	cancel()

	if cfg.AsyncEnabled() {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			slog.Warn("async query worker did not stop before shutdown timeout")
		}
	}

	if n, err := metaQueries.Flush(shutdownCtx); err != nil {
		slog.Error("failed to flush meta-queries", "error", err)
	} else if n > 0 {
		slog.Info("flushed meta-queries", "count", n)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func buildRegistry(cfg *config.Config) *provider.Registry {
	var configs []provider.Config
	for _, name := range cfg.EnabledProviders {
		switch name {
		case provider.OpenAI:
			configs = append(configs, provider.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIModel))
		case provider.Claude:
			configs = append(configs, provider.NewClaude(cfg.ClaudeBaseURL, cfg.ClaudeModel))
		case provider.Bedrock:
			configs = append(configs, provider.NewBedrock(cfg.BedrockModel))
		default:
			slog.Warn("ignoring unknown provider", "provider", name)
			continue
		}
		slog.Info("registered provider", "provider", name)
	}
	return provider.NewRegistry(configs...)
}

// buildSecrets prefers Secrets Manager and falls back to the environment.
func buildSecrets(ctx context.Context, cfg *config.Config) (secrets.SecretStore, error) {
	env := secrets.NewEnvSecretStore()
	if !cfg.UseSecretsManager {
		return env, nil
	}

	aws, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.SecretsPrefix, cfg.SecretsCacheTTL)
	if err != nil {
		return nil, err
	}

	var remote secrets.SecretStore = aws
	if cfg.EncryptionKey != "" {
		encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		remote = secrets.NewEncryptedStore(aws, encryptor)
	}

	slog.Info("using secrets manager", "prefix", cfg.SecretsPrefix, "encrypted", cfg.EncryptionKey != "")
	return secrets.NewChainStore(remote, env), nil
}

func buildTelemetryStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.TelemetryStore, []api.HealthChecker, error) {
	switch {
	case db != nil:
		store := repository.NewPostgresTelemetryStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		slog.Info("using postgres telemetry store")
		return store, []api.HealthChecker{api.NewSQLHealthChecker("postgres", db)}, nil
	case cfg.SQLitePath != "":
		store, err := repository.NewSQLiteTelemetryStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using sqlite telemetry store", "path", cfg.SQLitePath)
		return store, []api.HealthChecker{api.NewPingChecker("sqlite", store.Ping)}, nil
	default:
		slog.Info("using in-memory telemetry store")
		return repository.NewInMemoryTelemetryStore(), nil, nil
	}
}

func buildUsers(ctx context.Context, cfg *config.Config, db *sql.DB) (auth.UserRepository, error) {
	if db != nil {
		users := auth.NewPostgresUserRepository(db)
		if err := users.Migrate(ctx); err != nil {
			return nil, err
		}
		return users, nil
	}
	if cfg.AdminPassword != "" {
		return auth.NewSeededUserRepository(cfg.AdminPassword)
	}
	slog.Warn("no ADMIN_PASSWORD or DATABASE_URL, admin API is unreachable")
	return auth.NewInMemoryUserRepository(), nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
