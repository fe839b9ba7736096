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
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bonded-wms/stockbalance/internal/app"
	"github.com/bonded-wms/stockbalance/internal/observability"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
	"github.com/bonded-wms/stockbalance/internal/recalc"
	"github.com/bonded-wms/stockbalance/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(app.ServicesParams{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	consumer := recalc.NewConsumer(services.Queue, services.Runner, recalc.ConsumerConfig{
		PollInterval: cfg.QueuePollInterval,
		BatchSize:    cfg.QueueBatchSize,
		Logger:       logger,
	})
	recalcJob := jobs.NewRecalcJob(services.Runner, logger)
	reconcileJob := jobs.NewReconcileJob(services.Reconciler, 0, logger)
	drainJob := &jobs.DrainJob{Consumer: consumer, Logger: logger}
	housekeepingJob := &jobs.HousekeepingJob{
		Targets: []jobs.HousekeepingTarget{
			{Name: "recalc_queue", Pruner: jobs.PruneFunc(services.Queue.Purge), Retention: cfg.QueueRetention},
			{Name: "idempotency_keys", Pruner: jobs.PruneFunc(services.Idempotency.Cleanup), Retention: cfg.IdempotencyRetention},
		},
		Logger: logger,
	}

	reconcileTask, err := jobs.NewReconcileTask(time.Time{})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Backoff:     recalc.Backoff{Base: cfg.RecalcBaseBackoff, Max: cfg.RecalcMaxBackoff},
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSnapshotRecalc, Handler: recalcJob.Handle},
			{Type: jobs.TaskSnapshotReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskQueueDrain, Handler: drainJob.Handle},
			{Type: jobs.TaskHousekeeping, Handler: housekeepingJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask},
			{Spec: cfg.HousekeepingCron, Task: jobs.NewHousekeepingTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if cfg.WorkerMetricsAddr != "" {
		g.Go(func() error {
			logger.Info("worker metrics listening", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := services.Close(shutdownCtx); err != nil {
		logger.Error("drain recalculations", slog.Any("error", err))
	}
}
