package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/rruiz22/mda-authz/internal/app"
	"github.com/rruiz22/mda-authz/internal/authz"
	"github.com/rruiz22/mda-authz/internal/platform/cache"
	"github.com/rruiz22/mda-authz/internal/platform/db"
	"github.com/rruiz22/mda-authz/jobs"
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

	authzRepo := authz.NewRepository(pool)
	catalog := authz.NewCatalog(authzRepo, redisClient, logger)
	resolver := authz.NewResolver(authzRepo, catalog, logger)

	// The worker keeps its own cache instance purely for the durable
	// tier eviction path; it never serves reads.
	permCache := authz.NewCache(redisClient, &authz.StoreLoader{Resolver: resolver, Catalog: catalog}, logger, authz.CacheConfig{
		ShortTTL:       cfg.AuthzShortTTL,
		LongTTL:        cfg.AuthzLongTTL,
		StaleCeiling:   cfg.AuthzStaleCeiling,
		ResolveTimeout: cfg.AuthzResolveTimeout,
	})
	defer permCache.Close()

	broadcaster := authz.NewBroadcaster(authzRepo, permCache, redisClient, nil, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeInvalidate, Handler: jobs.NewInvalidateHandler(broadcaster)},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
