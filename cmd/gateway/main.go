package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/config"
	"github.com/tdnqanh/llm-cascade/internal/alerting"
	"github.com/tdnqanh/llm-cascade/internal/breaker"
	"github.com/tdnqanh/llm-cascade/internal/cascade"
	"github.com/tdnqanh/llm-cascade/internal/gateway"
	"github.com/tdnqanh/llm-cascade/internal/provider/openaicompat"
	"github.com/tdnqanh/llm-cascade/internal/quota"
	"github.com/tdnqanh/llm-cascade/internal/telemetry"
	"github.com/tdnqanh/llm-cascade/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, "llm-cascade", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected")

	// 5. Quota tracker (postgres-backed)
	if err := quota.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("failed to ensure quota schema", zap.Error(err))
	}
	quotas := quota.NewTracker(quota.NewPostgresStore(pool), quota.Limits{
		RequestsPerMinute: cfg.QuotaRPM,
		RequestsPerHour:   cfg.QuotaRPH,
		RequestsPerDay:    cfg.QuotaRPD,
	}, cfg.QuotaEnabled, logger)

	// 6. Caller rate limiter (redis-backed sliding window)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb), cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitEnabled)

	// 7. Alerting
	alerts := alerting.NewManager(logger)
	defer alerts.Close()
	if cfg.AlertWebhookURL != "" {
		alerts.RegisterWebhook(cfg.AlertWebhookURL)
	}

	// 8. Circuit breakers, wired to alerting on open
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:        cfg.BreakerFailureThreshold,
		SuccessThreshold:        cfg.BreakerSuccessThreshold,
		Timeout:                 cfg.BreakerTimeout,
		SlowResponseThresholdMs: cfg.BreakerSlowResponseMs,
		MonitorWindow:           cfg.BreakerMonitorWindow,
		OnOpen: func(name string, failureCount int) {
			alerts.CircuitOpened(name, failureCount, nil)
		},
	})

	// 9. Cascade candidates, highest priority first
	providers := make([]cascade.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, openaicompat.New(pc.Name, pc.BaseURL, pc.APIKey, pc.Model, pc.Timeout,
			openaicompat.WithEnabled(pc.Enabled)))
	}

	tracer := otel.GetTracerProvider().Tracer("llm-cascade")
	orchestrator := cascade.New(providers, breakers, quotas, alerts, logger, tracer)

	// 10. HTTP surface
	handler := gateway.NewHandler(orchestrator, breakers, quotas, alerts, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-cascade"}`))
	})
	r.Mount("/", handler.Routes())

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
