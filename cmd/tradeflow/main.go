package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/config"
	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/handler"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/cache"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/client"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/memory"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "tradeflow-bfa")
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("use_supabase", cfg.UseSupabase),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("hydration_timeout", cfg.HydrationTimeout),
		zap.Duration("approval_poll_interval", cfg.ApprovalPollInterval),
		zap.Duration("edit_debounce", cfg.EditDebounce),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "tradeflow-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Caches ---
	templateCache := cache.New[*domain.Template](cfg.CacheTTL)
	defer templateCache.Close()
	supplierCache := cache.New[*domain.Supplier](cfg.CacheTTL)
	defer supplierCache.Close()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Persistence ---
	var store port.Store
	if cfg.UseSupabase && cfg.SupabaseURL != "" {
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		store = supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			resilienceCfg,
			logger,
		)
	} else {
		logger.Warn("Supabase not configured, using in-memory store")
		store = memory.NewStore()
	}

	// --- Idempotency ---
	var local port.IdempotencyStore
	sqliteStore, err := idempotency.OpenSQLite(cfg.IdempotencySQLitePath)
	if err != nil {
		logger.Warn("sqlite idempotency store unavailable, tokens last for this process only",
			zap.String("path", cfg.IdempotencySQLitePath),
			zap.Error(err),
		)
		local = idempotency.NewMemory()
	} else {
		defer sqliteStore.Close()
		local = sqliteStore

		sweeper, err := idempotency.NewSweeper(cfg.IdempotencySweepCron, cfg.IdempotencyRetention, sqliteStore, store, logger)
		if err != nil {
			logger.Fatal("failed to schedule idempotency sweep", zap.Error(err))
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	var shared port.IdempotencyStore
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisStore, err := idempotency.NewRedisFromURL(ctx, cfg.RedisURL, 0)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisStore.Close()
		shared = redisStore
		logger.Info("shared idempotency store enabled")
	}

	// --- Collaborators ---
	var transport port.NotificationTransport
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		transport = client.NewTelegramClient(
			httpClient,
			cfg.TelegramAPIURL,
			cfg.TelegramBotToken,
			cfg.TelegramChatID,
			cfg.TelegramRatePerSec,
			resilience.NewCircuitBreaker("telegram"),
			resilienceCfg,
			logger,
		)
	} else {
		logger.Warn("Telegram not configured, approval requests are only logged")
		transport = client.NewLogTransport(logger)
	}

	var analyzer port.DocumentAnalyzer
	if cfg.DocumentAnalyzerURL != "" {
		analyzer = client.NewDocumentAnalyzerClient(
			httpClient,
			cfg.DocumentAnalyzerURL,
			resilience.NewCircuitBreaker("document-analyzer"),
			resilienceCfg,
		)
	} else {
		logger.Warn("document analysis not configured")
	}

	// --- Services ---
	awaiting, err := domain.NewAwaitingSet(cfg.AwaitingStatuses...)
	if err != nil {
		logger.Fatal("invalid awaiting statuses", zap.Error(err))
	}

	specs := service.NewSpecifications(store, metrics, logger)
	pipeline := service.NewHydrationPipeline(store, specs, templateCache, supplierCache, cfg.HydrationTimeout, metrics, logger)
	registry := service.NewSessionRegistry(service.SessionDeps{
		Store:        store,
		Specs:        specs,
		Dispatcher:   service.NewNotificationDispatcher(local, shared, transport, metrics, logger),
		Analyzer:     analyzer,
		Awaiting:     awaiting,
		PollInterval: cfg.ApprovalPollInterval,
		EditDebounce: cfg.EditDebounce,
		Metrics:      metrics,
		Logger:       logger,
	})

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Registry: registry,
		Pipeline: pipeline,
		Verifier: service.NewTokenVerifier(cfg.JWTSecret),
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	registry.CloseAll()

	logger.Info("server stopped")
}
