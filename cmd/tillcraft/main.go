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
	"golang.org/x/sync/errgroup"

	"github.com/tillcraft/tillcraft/internal/app"
	"github.com/tillcraft/tillcraft/internal/checkout"
	"github.com/tillcraft/tillcraft/internal/connectivity"
	"github.com/tillcraft/tillcraft/internal/inventory"
	"github.com/tillcraft/tillcraft/internal/platform/cache"
	"github.com/tillcraft/tillcraft/internal/platform/db"
	"github.com/tillcraft/tillcraft/internal/queue"
	"github.com/tillcraft/tillcraft/internal/syncer"
	"github.com/tillcraft/tillcraft/jobs"
)

func main() {
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

	key, err := cfg.QueueEncryptionKey()
	if err != nil {
		logger.Error("queue key", slog.Any("error", err))
		os.Exit(1)
	}
	cipher, err := queue.NewCipher(key)
	if err != nil {
		logger.Error("init queue cipher", slog.Any("error", err))
		os.Exit(1)
	}
	store := queue.NewStore(redisClient, cipher, logger)

	repo := inventory.NewRepository(pool)
	executor := inventory.NewExecutor(repo, logger, cfg.DuplicateWindow)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	engine := syncer.NewEngine(store, executor, jobClient, logger, syncer.Config{
		BatchSize:    cfg.SyncBatchSize,
		MaxRedrains:  cfg.SyncMaxRedrains,
		RedrainDelay: cfg.SyncRedrainDelay,
	})

	monitor := connectivity.NewMonitor(
		connectivity.HTTPProber(cfg.ProbeURL, cfg.ProbeInterval/2),
		cfg.ProbeInterval,
		logger,
	)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskQueueHousekeeping, Handler: jobs.NewQueueHousekeepingHandler(store, cfg.QueuePurgeAge, logger)},
			{Type: jobs.TaskSyncRedrain, Handler: jobs.NewSyncRedrainHandler(engine, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: jobs.NewQueueHousekeepingTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	service := checkout.NewService(executor, store, monitor, engine, logger)
	handler := checkout.NewHandler(logger, service)

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		POSHandler: handler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return engine.Run(gctx, monitor.Events())
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
