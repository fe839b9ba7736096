package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	jobmetrics "github.com/bonded-wms/stockbalance/internal/jobs"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/movements"
	"github.com/bonded-wms/stockbalance/internal/observability"
	"github.com/bonded-wms/stockbalance/internal/recalc"
	"github.com/bonded-wms/stockbalance/internal/shared"
	"github.com/bonded-wms/stockbalance/jobs"
)

// Services is the domain graph shared by the HTTP server, the worker and
// the CLI.
type Services struct {
	Snapshots   *inventory.Repository
	Ledger      *ledger.Reader
	Engine      *inventory.Engine
	Checker     *inventory.Checker
	Reporter    *inventory.Reporter
	Locker      recalc.Locker
	Runner      *recalc.Runner
	Queue       *recalc.QueueRepository
	Dispatcher  recalc.Dispatcher
	Movements   *movements.Service
	Idempotency *shared.IdempotencyStore
	Reconciler  *recalc.Reconciler

	closers []func(context.Context) error
}

// ServicesParams collects the infrastructure handles BuildServices needs.
type ServicesParams struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   redis.UniversalClient
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// BuildServices wires repositories, engine, checker and the dispatcher
// selected by RECALC_MODE.
func BuildServices(p ServicesParams) (*Services, error) {
	if p.Config == nil || p.Pool == nil {
		return nil, errors.New("app: config and pool are required")
	}
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jm := p.Metrics.Jobs()

	s := &Services{
		Snapshots:   inventory.NewRepository(p.Pool),
		Ledger:      ledger.NewReader(p.Pool),
		Queue:       recalc.NewQueueRepository(p.Pool),
		Idempotency: shared.NewIdempotencyStore(p.Pool),
	}
	s.Engine = inventory.NewEngine(s.Snapshots, s.Ledger, logger, inventory.WithObserver(cascadeCounter(jm)))

	var checkerOpts []inventory.CheckerOption
	if !cfg.RecalcForwardCheck {
		checkerOpts = append(checkerOpts, inventory.WithSameDayOnly())
	}
	s.Checker = inventory.NewChecker(s.Snapshots, checkerOpts...)
	s.Reporter = inventory.NewReporter(s.Snapshots)

	if p.Redis != nil {
		s.Locker = recalc.NewRedisLocker(p.Redis, cfg.RecalcLockTTL, logger)
	} else {
		s.Locker = recalc.NewLocalLocker()
	}
	s.Runner = recalc.NewRunner(s.Engine, s.Locker, recalc.RunnerConfig{
		MaxAttempts: cfg.RecalcMaxAttempts,
		Backoff:     recalc.Backoff{Base: cfg.RecalcBaseBackoff, Max: cfg.RecalcMaxBackoff},
		Logger:      logger,
		Metrics:     jm,
	})
	s.Reconciler = recalc.NewReconciler(s.Ledger, s.Engine, s.Locker, int(cfg.RecalcConcurrency), logger, jm)

	switch cfg.RecalcMode {
	case RecalcModeQueue:
		s.Dispatcher = recalc.NewQueueDispatcher(s.Queue)
	case RecalcModeAsynq:
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, cfg.RecalcMaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("app: asynq client: %w", err)
		}
		s.Dispatcher = recalc.NewTaskDispatcher(client)
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
	default:
		async := recalc.NewAsyncDispatcher(s.Runner, cfg.RecalcConcurrency, logger)
		s.Dispatcher = async
		s.closers = append(s.closers, async.Close)
	}

	s.Movements = movements.NewService(movements.ServiceConfig{
		Repository:   movements.NewRepository(p.Pool),
		Checker:      movements.CheckerOver(s.Checker),
		Dispatcher:   s.Dispatcher,
		Idempotency:  s.Idempotency,
		WriteTimeout: cfg.MovementWriteTimeout,
		Logger:       logger,
	})
	logger.Info("stock services ready", slog.String("recalc_mode", cfg.RecalcMode), slog.Bool("forward_check", cfg.RecalcForwardCheck))
	return s, nil
}

// Close drains background dispatch and releases clients.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func cascadeCounter(m *jobmetrics.Metrics) inventory.Observer {
	return inventory.ObserverFunc(func(_ context.Context, evt inventory.RecalculatedEvent) {
		m.AddCascadeRows(evt.Result.Cascade.Changed)
	})
}
