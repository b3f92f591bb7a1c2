// Package main is the entrypoint for the studio API server.
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

	"github.com/trung0209/AI-SJU-Studio/internal/api"
	"github.com/trung0209/AI-SJU-Studio/internal/api/handler"
	mw "github.com/trung0209/AI-SJU-Studio/internal/api/middleware"
	"github.com/trung0209/AI-SJU-Studio/internal/api/response"
	"github.com/trung0209/AI-SJU-Studio/internal/artifacts"
	"github.com/trung0209/AI-SJU-Studio/internal/cache"
	"github.com/trung0209/AI-SJU-Studio/internal/comfy"
	"github.com/trung0209/AI-SJU-Studio/internal/config"
	"github.com/trung0209/AI-SJU-Studio/internal/generate"
	"github.com/trung0209/AI-SJU-Studio/internal/observability"
	"github.com/trung0209/AI-SJU-Studio/internal/session"
	"github.com/trung0209/AI-SJU-Studio/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 5 * time.Second
)

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
	// 1. Load config: fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "comfy_base_url", cfg.Comfy.BaseURL, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// 3. Optional database
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		st = store.NewPostgresStore(pool)
	} else {
		slog.Info("DATABASE_URL not set, generation history disabled")
	}

	// 4. Optional Redis cache
	var ca cache.Cache
	var rateLimit *mw.RateLimit
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		ca = redisCache
		if cfg.RateLimit.PerMinute > 0 {
			rateLimit = mw.NewRateLimit(ca, cfg.RateLimit.PerMinute)
		}
	} else {
		slog.Info("REDIS_URL not set, status cache and rate limiting disabled")
	}

	// 5. Output directory
	disk, err := artifacts.NewDiskStore(cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	// 6. Remote service client and process identity
	client := comfy.NewHTTPClient(cfg.Comfy.BaseURL, cfg.Comfy.HTTPTimeout)
	identity := session.New()
	slog.Info("client identity created", "client_id", identity.ClientID())

	opts := []generate.Option{generate.WithMetrics(metrics)}
	if st != nil {
		opts = append(opts, generate.WithStore(st))
	}
	if ca != nil {
		opts = append(opts, generate.WithCache(ca))
	}
	svc := generate.NewService(client, identity, disk, generate.Config{
		StreamURL:         cfg.Comfy.WSURL,
		TemplatePath:      cfg.Workflow.Path,
		Bindings:          cfg.Workflow.Bindings,
		CompletionTimeout: cfg.Comfy.CompletionTimeout,
		FetchConcurrency:  cfg.Comfy.FetchConcurrency,
	}, opts...)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		RateLimit:      rateLimit,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ImagesDir:      disk.Dir(),

		HealthHandler:   healthHandler(client, st, ca),
		GenerateHandler: handler.NewGenerateHandler(svc),
	}
	if st != nil || ca != nil {
		var gr handler.GenerationReader
		if st != nil {
			gr = st
			deps.ListGenerations = handler.NewListGenerationsHandler(st)
		}
		var sr handler.StatusReader
		if ca != nil {
			sr = ca
		}
		deps.GetGeneration = handler.NewGetGenerationHandler(gr, sr)
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// POST /generate holds the connection until the prompt finishes.
		WriteTimeout: cfg.Comfy.CompletionTimeout + 2*cfg.Comfy.HTTPTimeout,
		IdleTimeout:  60 * time.Second,
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

type readyChecker interface {
	Ready(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks the generation service plus whichever of database
// and cache are configured. Unconfigured backends report "disabled".
func healthHandler(remote readyChecker, s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{
			"comfy":    "ok",
			"database": "disabled",
			"cache":    "disabled",
		}

		if err := remote.Ready(ctx); err != nil {
			checks["comfy"] = "degraded"
		}
		if s != nil {
			checks["database"] = check(ctx, s)
		}
		if c != nil {
			checks["cache"] = check(ctx, c)
		}

		status, code := "ok", http.StatusOK
		for _, v := range checks {
			if v == "degraded" {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}

		response.JSONStatus(w, code, map[string]any{
			"status":   status,
			"services": checks,
		})
	}
}

func check(ctx context.Context, p pinger) string {
	if err := p.Ping(ctx); err != nil {
		return "degraded"
	}
	return "ok"
}
