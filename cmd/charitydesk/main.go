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

	"github.com/hibiken/asynq"

	"github.com/charitydesk/charitydesk/cmd/charitydesk/cli"
	"github.com/charitydesk/charitydesk/internal/app"
	"github.com/charitydesk/charitydesk/internal/audit"
	audithttp "github.com/charitydesk/charitydesk/internal/audit/http"
	"github.com/charitydesk/charitydesk/internal/auth"
	"github.com/charitydesk/charitydesk/internal/observability"
	"github.com/charitydesk/charitydesk/internal/platform/cache"
	"github.com/charitydesk/charitydesk/internal/platform/db"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/roles"
	"github.com/charitydesk/charitydesk/internal/shared"
	"github.com/charitydesk/charitydesk/internal/users"
	"github.com/charitydesk/charitydesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	sessionManager := shared.NewSessionManager(redisClient, "charitydesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	metrics := observability.NewMetrics()

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	rbacRepo := rbac.NewRepository(dbpool)
	var permCache rbac.PermissionCache
	if cfg.RBACCacheTTL > 0 {
		permCache = rbac.NewRedisCache(redisClient)
	}
	resolver := rbac.NewResolver(rbacRepo, logger, rbac.WithCache(permCache, cfg.RBACCacheTTL))
	rbacService := rbac.NewService(rbacRepo, permCache, auditLogger, logger, rbac.ServiceConfig{
		AdminRole:       cfg.RBACAdminRole,
		MoveConcurrency: cfg.RBACMoveConcurrency,
	})
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger, Metrics: metrics}

	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacService, resolver, rbacMiddleware)
	modulesHandler := rbac.NewModulesHandler(logger, rbacService, rbacMiddleware)
	rolesHandler := roles.NewHandler(logger, roles.NewService(rbacService), rbacMiddleware)
	usersService := users.NewService(users.NewRepository(dbpool), rbacService, resolver)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Metrics:            metrics,
		AuthHandler:        authHandler,
		PermissionsHandler: permissionsHandler,
		ModulesHandler:     modulesHandler,
		RolesHandler:       rolesHandler,
		UsersHandler:       usersHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `charitydesk jobs <trigger NAME|stats>`.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.RBACPruneRetention)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer jobsCLI.Close()
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
