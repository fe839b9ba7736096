package movements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
	"github.com/bonded-wms/stockbalance/internal/recalc"
	"github.com/bonded-wms/stockbalance/internal/shared"
)

const idempotencyModule = "movements"

// StockChecker is the availability surface used before reducing writes.
type StockChecker interface {
	CheckDeltas(ctx context.Context, key inventory.Key, deltas []inventory.DatedDelta) (inventory.Availability, error)
}

// CheckerFactory binds a StockChecker to the balances visible inside a
// write transaction.
type CheckerFactory func(inventory.BalanceSource) StockChecker

// CheckerOver checks writes with c's options against the transaction's
// balances.
func CheckerOver(c *inventory.Checker) CheckerFactory {
	return func(src inventory.BalanceSource) StockChecker {
		return c.Within(src)
	}
}

// Idempotency records processed request keys.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service writes movements and schedules the snapshot recalculation of
// every date a write touched.
type Service struct {
	repo       Repository
	checks     CheckerFactory
	dispatcher recalc.Dispatcher
	idem       Idempotency
	timeout    time.Duration
	logger     *slog.Logger
}

// ServiceConfig wires Service.
type ServiceConfig struct {
	Repository   Repository
	Checker      CheckerFactory
	Dispatcher   recalc.Dispatcher
	Idempotency  Idempotency
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewService constructs Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:       cfg.Repository,
		checks:     cfg.Checker,
		dispatcher: cfg.Dispatcher,
		idem:       cfg.Idempotency,
		timeout:    cfg.WriteTimeout,
		logger:     cfg.Logger,
	}
}

// Get returns a live movement.
func (s *Service) Get(ctx context.Context, kind ledger.Kind, id int64) (Movement, error) {
	src, err := ledger.SourceFor(kind)
	if err != nil {
		return Movement{}, err
	}
	return s.repo.Get(ctx, src, id)
}

// Create stores a movement. Reducing kinds are rejected when the balance
// cannot cover them.
func (s *Service) Create(ctx context.Context, in CreateInput, idemKey string) (Movement, error) {
	src, err := validateCreate(in)
	if err != nil {
		return Movement{}, err
	}
	in.Kind = src.Kind
	in.Date = inventory.DateOnly(in.Date)
	if err := s.claim(ctx, idemKey); err != nil {
		return Movement{}, err
	}

	var created Movement
	err = s.write(ctx, func(ctx context.Context, tx TxStore) error {
		deltas := []inventory.DatedDelta{{Date: in.Date, Qty: signed(src, in.Qty)}}
		if err := s.guard(ctx, tx, in.Key, in.Date, deltas); err != nil {
			return err
		}
		m, err := tx.Insert(ctx, src, in)
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		s.release(ctx, idemKey)
		return Movement{}, err
	}
	s.schedule(ctx, created, reason("create", src.Kind, created.ID), created.Date)
	return created, nil
}

// Update edits quantity, date and descriptive fields of a movement.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Movement, error) {
	src, err := validateUpdate(in)
	if err != nil {
		return Movement{}, err
	}
	in.Date = inventory.DateOnly(in.Date)

	var before, after Movement
	err = s.write(ctx, func(ctx context.Context, tx TxStore) error {
		old, err := tx.GetForUpdate(ctx, src, in.ID)
		if err != nil {
			return err
		}
		deltas := []inventory.DatedDelta{
			{Date: old.Date, Qty: signed(src, old.Qty).Neg()},
			{Date: in.Date, Qty: signed(src, in.Qty)},
		}
		if err := s.guard(ctx, tx, old.Key, in.Date, deltas); err != nil {
			return err
		}
		next := old
		next.Qty = in.Qty
		next.Date = in.Date
		next.ItemName = firstNonEmpty(in.ItemName, old.ItemName)
		next.UOM = firstNonEmpty(in.UOM, old.UOM)
		next.WMSID = firstNonEmpty(in.WMSID, old.WMSID)
		next.PPKEK = firstNonEmpty(in.PPKEK, old.PPKEK)
		updated, err := tx.Update(ctx, src, next)
		if err != nil {
			return err
		}
		before, after = old, updated
		return nil
	})
	if err != nil {
		return Movement{}, err
	}
	s.schedule(ctx, after, reason("update", src.Kind, after.ID), before.Date, after.Date)
	return after, nil
}

// Delete soft-deletes a movement. Removing an increasing movement is
// rejected when later balances would go negative.
func (s *Service) Delete(ctx context.Context, kind ledger.Kind, id int64) error {
	src, err := ledger.SourceFor(kind)
	if err != nil {
		return err
	}
	var removed Movement
	err = s.write(ctx, func(ctx context.Context, tx TxStore) error {
		old, err := tx.GetForUpdate(ctx, src, id)
		if err != nil {
			return err
		}
		deltas := []inventory.DatedDelta{{Date: old.Date, Qty: signed(src, old.Qty).Neg()}}
		if err := s.guard(ctx, tx, old.Key, old.Date, deltas); err != nil {
			return err
		}
		if err := tx.SoftDelete(ctx, src, id); err != nil {
			return err
		}
		removed = old
		return nil
	})
	if err != nil {
		return err
	}
	s.schedule(ctx, removed, reason("delete", src.Kind, id), removed.Date)
	return nil
}

// guard rejects deltas that would leave any projected balance negative.
// Pure increases are never checked. Reductions lock the key for the rest
// of the transaction and are checked against the source rows the
// transaction sees, never against snapshots that may lag behind.
func (s *Service) guard(ctx context.Context, tx TxStore, key inventory.Key, date time.Time, deltas []inventory.DatedDelta) error {
	taken := decimal.Zero
	for _, d := range deltas {
		if d.Qty.IsNegative() {
			taken = taken.Add(d.Qty.Neg())
		}
	}
	if taken.IsZero() {
		return nil
	}
	if err := tx.LockKey(ctx, key); err != nil {
		return err
	}
	avail, err := s.checks(tx.Balances()).CheckDeltas(ctx, key, deltas)
	if err != nil {
		return err
	}
	return inventory.Require(key, date, taken, avail)
}

// write runs fn in a serializable transaction bounded by the write timeout.
func (s *Service) write(ctx context.Context, fn func(context.Context, TxStore) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.repo.WithWriteTx(ctx, fn)
	if db.IsRetryable(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: write timed out after %s", ErrConflict, s.timeout)
	}
	return err
}

// schedule dispatches one recalculation per distinct date. Dispatch
// failures are logged; the write has already committed.
func (s *Service) schedule(ctx context.Context, m Movement, why string, dates ...time.Time) {
	if s.dispatcher == nil {
		return
	}
	seen := make(map[time.Time]struct{}, len(dates))
	for _, d := range dates {
		d = inventory.DateOnly(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		req := recalc.Request{Key: m.Key, ItemName: m.ItemName, UOM: m.UOM, Date: d, Reason: why}
		if err := s.dispatcher.Schedule(ctx, req); err != nil {
			s.logger.Error("schedule snapshot recalculation",
				slog.String("key", m.Key.String()),
				slog.String("date", d.Format("2006-01-02")),
				slog.String("reason", why),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) claim(ctx context.Context, key string) error {
	if key == "" || s.idem == nil {
		return nil
	}
	err := s.idem.CheckAndInsert(ctx, key, idempotencyModule)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicateRequest
	}
	return err
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" || s.idem == nil {
		return
	}
	if err := s.idem.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
