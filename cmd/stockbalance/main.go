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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bonded-wms/stockbalance/cmd/stockbalance/cli"
	"github.com/bonded-wms/stockbalance/internal/app"
	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/movements"
	"github.com/bonded-wms/stockbalance/internal/observability"
	"github.com/bonded-wms/stockbalance/internal/platform/cache"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
	"github.com/bonded-wms/stockbalance/internal/recalc"
	"github.com/bonded-wms/stockbalance/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCLI(ctx, cfg, dbpool, logger, os.Args[2:]))
	}

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, using in-process recalc locks", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(app.ServicesParams{
		Config:  cfg,
		Pool:    dbpool,
		Redis:   universal(redisClient),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		StockHandler:     inventory.NewHandler(logger, services.Engine, services.Checker, services.Reporter),
		MovementsHandler: movements.NewHandler(logger, services.Movements),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Database:         dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("recalc_mode", cfg.RecalcMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := services.Close(shutdownCtx); err != nil {
		logger.Error("drain recalculations", slog.Any("error", err))
	}
}

func runJobsCLI(ctx context.Context, cfg *app.Config, pool *pgxpool.Pool, logger *slog.Logger, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, recalc.NewQueueRepository(pool))
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return jobsCLI.Run(ctx, args, cli.RunOptions{})
}

// universal avoids handing a typed nil *redis.Client to an interface.
func universal(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}
