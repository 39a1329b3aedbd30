package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/charitydesk/charitydesk/internal/app"
	"github.com/charitydesk/charitydesk/internal/observability"
	"github.com/charitydesk/charitydesk/internal/platform/cache"
	"github.com/charitydesk/charitydesk/internal/platform/db"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
	"github.com/charitydesk/charitydesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, 4)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var permCache rbac.PermissionCache
	if cfg.RBACCacheTTL > 0 {
		permCache = rbac.NewRedisCache(redisClient)
	}
	rbacService := rbac.NewService(rbac.NewRepository(pool), permCache, shared.NewAuditLogger(pool), logger, rbac.ServiceConfig{
		AdminRole:       cfg.RBACAdminRole,
		MoveConcurrency: cfg.RBACMoveConcurrency,
	})
	metrics := observability.NewMetrics()
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppShutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()
	pruneJob := jobs.NewPruneAssignmentsJob(rbacService, logger, metrics, cfg.RBACPruneRetention)

	pruneTask, err := jobs.NewPruneAssignmentsTask(cfg.RBACPruneRetention)
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPruneAssignments, Handler: pruneJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RBACPruneCron, Task: pruneTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("prune_cron", cfg.RBACPruneCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
