package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rruiz22/mda-authz/internal/app"
	"github.com/rruiz22/mda-authz/internal/auth"
	"github.com/rruiz22/mda-authz/internal/authz"
	"github.com/rruiz22/mda-authz/internal/observability"
	"github.com/rruiz22/mda-authz/internal/platform/cache"
	"github.com/rruiz22/mda-authz/internal/platform/db"
	"github.com/rruiz22/mda-authz/internal/shared"
	"github.com/rruiz22/mda-authz/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	sessionManager := shared.NewSessionManager(redisClient, "mda_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(pool)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(authService, sessionManager, csrfManager, logger)

	authzRepo := authz.NewRepository(pool)
	catalog := authz.NewCatalog(authzRepo, redisClient, logger)
	resolver := authz.NewResolver(authzRepo, catalog, logger)

	permCache := authz.NewCache(redisClient, &authz.StoreLoader{Resolver: resolver, Catalog: catalog}, logger, authz.CacheConfig{
		ShortTTL:       cfg.AuthzShortTTL,
		LongTTL:        cfg.AuthzLongTTL,
		StaleCeiling:   cfg.AuthzStaleCeiling,
		ResolveTimeout: cfg.AuthzResolveTimeout,
	})
	defer permCache.Close()
	permCache.Listen(ctx)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	enqueuer := jobs.NewEnqueuer(asynqClient, logger)

	broadcaster := authz.NewBroadcaster(authzRepo, permCache, redisClient, enqueuer, logger)
	catalog.SetListener(broadcaster)

	metrics := observability.NewMetrics()
	resolver.SetDropRecorder(metrics)
	evaluator := authz.NewEvaluator(permCache, logger)
	guard := authz.Guard{Evaluator: evaluator, Logger: logger, Recorder: metrics}

	admin := authz.NewAdminOps(authzRepo, catalog, auditLogger, logger)
	authzHandler := authz.NewHandler(admin, catalog, resolver, evaluator, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		AuthzHandler:   authzHandler,
		Guard:          guard,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
