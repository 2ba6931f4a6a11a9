// Command themedraftd runs the ThemeDraft generation service: the HTTP
// surface, the admission controller, and the worker pool in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/admission"
	"github.com/ayip001/themedraft/api"
	"github.com/ayip001/themedraft/backend"
	"github.com/ayip001/themedraft/queue"
	"github.com/ayip001/themedraft/quota"
	bunstore "github.com/ayip001/themedraft/store/bun"
	"github.com/ayip001/themedraft/stream"
	"github.com/ayip001/themedraft/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := themedraft.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseURL)))
	db := bun.NewDB(sqldb, pgdialect.New())

	st := bunstore.New(db)
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready")

	bus := stream.NewRedisBus(redisClient, logger)

	quotaDefaults := quota.Defaults{
		CreditsLimit:     cfg.DefaultCreditsLimit,
		MaxDailySpendUSD: 0,
	}
	limiter := admission.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)
	controller := admission.NewController(limiter, st, st, admission.Config{
		QuotaDefaults:    quotaDefaults,
		DailySpendCapUSD: cfg.DailySpendCapUSD,
		BypassTenant:     cfg.BypassLimitsTenant,
	}, logger)

	generator := backend.NewOpenRouter(cfg.OpenRouterAPIKey, logger)
	executor := worker.NewExecutor(st, st, generator, bus, logger,
		worker.WithModel(cfg.DefaultModel),
		worker.WithMaxRetries(cfg.MaxRetryAttempts),
		worker.WithQuotaDefaults(quotaDefaults),
	)
	pool := worker.NewPool(st, executor, logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithQueueManager(queue.NewManager(queue.Config{MaxConcurrency: 2})),
	)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(st, controller, bus, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return nil
}
