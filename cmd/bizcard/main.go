package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/bizcard/internal/api"
	"github.com/felipepmaragno/bizcard/internal/bizctx"
	"github.com/felipepmaragno/bizcard/internal/cache"
	"github.com/felipepmaragno/bizcard/internal/config"
	"github.com/felipepmaragno/bizcard/internal/cost"
	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/httputil"
	"github.com/felipepmaragno/bizcard/internal/notifications"
	"github.com/felipepmaragno/bizcard/internal/provider/openai"
	"github.com/felipepmaragno/bizcard/internal/queue"
	"github.com/felipepmaragno/bizcard/internal/relay"
	"github.com/felipepmaragno/bizcard/internal/repository"
	"github.com/felipepmaragno/bizcard/internal/secrets"
	"github.com/felipepmaragno/bizcard/internal/telemetry"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting bizcard relay", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "bizcard", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	apiKey := resolveAPIKey(ctx, cfg)

	var checkers []api.HealthChecker

	relayCfg := relay.Config{
		Model:         cfg.ModelName,
		Timeout:       cfg.RelayTimeout,
		InjectContext: cfg.RelayInjectContext,
		Cost:          cost.NewCalculator(),
	}

	var apiCfg api.HandlerConfig

	if apiKey != "" {
		upstream := openai.New(apiKey, cfg.OpenAIBaseURL)
		relayCfg.Upstream = upstream
		apiCfg.Upstream = upstream
		checkers = append(checkers, api.NewUpstreamHealthChecker(upstream))
		slog.Info("registered upstream", "provider", upstream.ID(), "model", cfg.ModelName)
	} else {
		slog.Warn("OPENAI_API_KEY not set, relay will answer with a configuration error")
	}

	var repo repository.BusinessRepository
	var conn *repository.Connector
	switch cfg.TenantStore {
	case config.TenantStoreMemory:
		repo = repository.NewSeededBusinessRepository()
		slog.Info("using in-memory tenant store")
	default:
		conn = repository.NewConnector(cfg.DatabaseURL)
		pg := repository.NewPostgresBusinessRepository(conn)
		if conn.Configured() {
			if err := pg.EnsureSchema(ctx); err != nil {
				slog.Warn("failed to apply tenant store schema", "error", err)
			}
			checkers = append(checkers, api.NewPostgresHealthChecker(conn))
			slog.Info("using postgres tenant store")
		} else {
			slog.Warn("DATABASE_URL not set, tenant context lookups will be empty")
		}
		repo = pg
	}

	fetcherCfg := bizctx.Config{Repo: repo, TTL: cfg.CacheTTL}
	var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(cfg.AlertDedupWindow)
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
		} else {
			dedup = notifications.NewRedisDeduplicator(client, cfg.AlertDedupWindow)
			fetcherCfg.BusinessCache = cache.NewRedisCache[*domain.Business](client, "bizcard:biz:")
			fetcherCfg.KnowledgeCache = cache.NewRedisCache[[]domain.KnowledgeChunk](client, "bizcard:kb:")
			checkers = append(checkers, api.NewRedisHealthChecker(client))
			defer client.Close()
			slog.Info("using redis cache")
		}
	}
	if fetcherCfg.BusinessCache == nil {
		fetcherCfg.BusinessCache = cache.NewInMemoryCache[*domain.Business]()
		fetcherCfg.KnowledgeCache = cache.NewInMemoryCache[[]domain.KnowledgeChunk]()
	}
	relayCfg.Fetcher = bizctx.NewCachedFetcher(fetcherCfg)

	if cfg.UsageQueueURL != "" {
		publisher, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Warn("failed to create usage publisher", "error", err)
		} else {
			relayCfg.Usage = publisher
			slog.Info("publishing usage events", "queue_url", cfg.UsageQueueURL)
		}
	}

	if cfg.AlertTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Warn("failed to create alert notifier", "error", err)
		} else {
			alerts := notifications.NewDedupNotifier(notifier, dedup)
			relayCfg.Notifier = alerts
			apiCfg.Notifier = alerts
			slog.Info("publishing alerts", "topic_arn", cfg.AlertTopicARN)
		}
	}

	apiCfg.Relay = relay.NewHandler(relayCfg)
	apiCfg.Businesses = repo
	apiCfg.Checkers = checkers
	handler := api.NewHandler(apiCfg)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: serverWriteTimeout(cfg.RelayTimeout),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close tenant store", "error", err)
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// serverWriteTimeout covers the wait for upstream headers plus a full relay
// session. The relay re-arms the deadline once the stream opens.
func serverWriteTimeout(relayTimeout time.Duration) time.Duration {
	return httputil.StreamingConfig().ResponseHeaderTimeout + relayTimeout + 10*time.Second
}

// resolveAPIKey prefers OPENAI_API_KEY and falls back to Secrets Manager.
func resolveAPIKey(ctx context.Context, cfg *config.Config) string {
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIAPIKeySecret == "" {
		return cfg.OpenAIAPIKey
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("failed to create secrets manager client", "error", err)
		return ""
	}

	key, err := secrets.ResolveAPIKey(ctx, store, cfg.OpenAIAPIKeySecret)
	if err != nil {
		slog.Error("failed to resolve API key", "secret", cfg.OpenAIAPIKeySecret, "error", err)
		return ""
	}

	slog.Info("resolved API key from secrets manager", "secret", cfg.OpenAIAPIKeySecret)
	return key
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
