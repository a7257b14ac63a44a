// Package main is the entrypoint for the taskrelay API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskrelay/taskrelay/internal/api"
	"github.com/taskrelay/taskrelay/internal/api/handler"
	mw "github.com/taskrelay/taskrelay/internal/api/middleware"
	"github.com/taskrelay/taskrelay/internal/api/response"
	"github.com/taskrelay/taskrelay/internal/cache"
	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/hub"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/task"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "webhook_configured", cfg.Webhook.URL != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store, dispatcher, hub and task service
	pgStore := store.NewPostgresStore(pool)

	dispatcher := dispatch.NewHTTPDispatcher(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout)

	callbackBase := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	if v := os.Getenv("TASKRELAY_PUBLIC_URL"); v != "" {
		callbackBase = v
	}

	taskHub := hub.New(pgStore)
	defer taskHub.Close()

	svc := task.NewService(pgStore, dispatcher, taskHub, redisCache, task.Config{
		Retention:       cfg.Tasks.Retention,
		CallbackBaseURL: callbackBase,
	})

	svc.StartReaper(ctx, cfg.Tasks.ReapInterval)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Tasks.RequestsPerMin)
	sig := mw.NewSignature(cfg.Webhook.Secret)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,
		Signature: sig,

		HealthHandler:   healthHandler(pgStore, redisCache),
		DispatchHandler: handler.NewDispatchHandler(svc),
		GetTaskHandler:  handler.NewGetTaskHandler(svc),
		GetStatus:       handler.NewGetStatusHandler(svc),
		GetLogs:         handler.NewGetLogsHandler(svc),
		ReportHandler:   handler.NewReportHandler(svc),
		StreamHandler:   taskHub.HandleWS,

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
