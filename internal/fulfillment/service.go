package fulfillment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/metrics"
)

// Config holds the per-bot-type processing delays.
type Config struct {
	NormalDelay time.Duration
	VIPDelay    time.Duration
}

func (c Config) DelayFor(t BotType) time.Duration {
	if t == BotVIP {
		return c.VIPDelay
	}
	return c.NormalDelay
}

type Service struct {
	repo    *Repo
	locker  *Locker
	sched   Scheduler
	cfg     Config
	clock   common.Clock
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

type Option func(*Service)

func WithClock(c common.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// NewService wires the scheduler core. A nil locker means every listing runs
// the sweep; a nil sched falls back to PullScheduler.
func NewService(repo *Repo, locker *Locker, sched Scheduler, cfg Config, opts ...Option) *Service {
	if sched == nil {
		sched = PullScheduler{}
	}
	if cfg.NormalDelay <= 0 {
		cfg.NormalDelay = 10 * time.Second
	}
	if cfg.VIPDelay <= 0 {
		cfg.VIPDelay = 5 * time.Second
	}
	s := &Service{
		repo:   repo,
		locker: locker,
		sched:  sched,
		cfg:    cfg,
		clock:  common.SystemClock{},
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// txErr keeps sentinel errors as they are, maps unique violations to
// ErrConflict and wraps everything else as ErrStorage.
func txErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrBusy),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfiguration), errors.Is(err, ErrStorage):
		return err
	case isDuplicateKey(err):
		return errors.Wrap(ErrConflict, op)
	default:
		return storageErr(op, err)
	}
}

// Orders

func (s *Service) CreateOrder(ctx context.Context, typ OrderType) (*Order, error) {
	if typ == "" {
		typ = OrderNormal
	}
	if !typ.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "order type %q", typ)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	order := &Order{
		ID:        id,
		Type:      typ,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.repo.WithinTx(ctx, func(tx *Repo) error {
		num, err := tx.AllocateOrderNumber(ctx, now)
		if err != nil {
			return errors.Wrap(err, "allocate order number")
		}
		order.OrderNumber = num
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, txErr("create order", err)
	}

	s.metrics.OrderCreated(string(typ))
	s.log.WithFields(logrus.Fields{"order_id": order.ID, "order_number": order.OrderNumber, "type": typ}).Info("order created")
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, txErr("get order", err)
	}
	return o, nil
}

// ListOrders runs the recovery sweep, if the resume lock allows, then returns
// every live order. A failed sweep never fails the listing.
func (s *Service) ListOrders(ctx context.Context) ([]Order, error) {
	s.maybeRecover(ctx)

	orders, err := s.repo.ListOrders(ctx)
	if err != nil {
		return nil, txErr("list orders", err)
	}
	return orders, nil
}

func (s *Service) maybeRecover(ctx context.Context) {
	if s.locker != nil && !s.locker.TryAcquire(ctx) {
		s.metrics.SweepSkipped()
		return
	}
	if _, err := s.Recover(ctx); err != nil {
		s.log.WithError(err).Warn("recovery sweep failed")
	}
}

// OrderUpdate is a manual transition request. Nil fields are left alone.
type OrderUpdate struct {
	Status *OrderStatus
	BotID  *string
}

// UpdateOrder applies a manual transition:
//
//	PROCESSING + bot  assign to an idle bot and schedule completion
//	COMPLETE          finalize (frees the bot)
//	PENDING           return a PROCESSING order to the queue
//
// Targeting the current state is a no-op.
func (s *Service) UpdateOrder(ctx context.Context, id string, in OrderUpdate) (*Order, error) {
	if in.Status == nil {
		if in.BotID != nil {
			return nil, errors.Wrap(ErrInvalidInput, "bot_id requires status PROCESSING")
		}
		return s.GetOrder(ctx, id)
	}
	if !in.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "status %q", *in.Status)
	}
	if *in.Status != OrderProcessing && in.BotID != nil {
		return nil, errors.Wrap(ErrInvalidInput, "bot_id requires status PROCESSING")
	}

	switch *in.Status {
	case OrderProcessing:
		if in.BotID == nil || *in.BotID == "" {
			return nil, errors.Wrap(ErrInvalidInput, "status PROCESSING requires bot_id")
		}
		return s.assignOrder(ctx, id, *in.BotID)
	case OrderComplete:
		return s.completeManually(ctx, id)
	default:
		return s.requeueManually(ctx, id)
	}
}

func (s *Service) assignOrder(ctx context.Context, orderID, botID string) (*Order, error) {
	// manual assignment has no other finalizer to lean on besides the sweep,
	// so refuse it up front when push is configured but broken
	if err := s.sched.Ready(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		order   *Order
		bot     *Bot
		already bool
	)
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "order")
		}
		switch o.Status {
		case OrderProcessing:
			if o.BotID != nil && *o.BotID == botID {
				order, already = o, true
				return nil
			}
			return errors.Wrap(ErrBusy, "order is already processing")
		case OrderComplete:
			return errors.Wrap(ErrInvalidInput, "order is already complete")
		}

		b, err := tx.GetBot(ctx, botID)
		if err != nil {
			return errors.Wrap(err, "bot")
		}
		if b.Status != BotIdle {
			return errors.Wrap(ErrBusy, "bot is not idle")
		}
		if err := assign(ctx, tx, o, b, now); err != nil {
			return err
		}
		order, bot = o, b
		return nil
	})
	if err != nil {
		return nil, txErr("assign order", err)
	}
	if already {
		return order, nil
	}

	s.log.WithFields(logrus.Fields{"order_id": order.ID, "bot_id": bot.ID}).Info("order assigned manually")
	s.scheduleCompletion(ctx, order, bot)
	return order, nil
}

func (s *Service) completeManually(ctx context.Context, id string) (*Order, error) {
	now := s.clock.Now()
	var finalized bool
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case OrderComplete:
			return nil
		case OrderPending:
			ok, err := tx.MarkPendingOrderComplete(ctx, id, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			finalized = true
			return nil
		}
		if o.BotID == nil {
			return errors.Wrap(ErrConflict, "processing order has no bot")
		}
		ok, err := finalize(ctx, tx, id, *o.BotID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		finalized = true
		return nil
	})
	if err != nil {
		return nil, txErr("complete order", err)
	}
	if finalized {
		s.metrics.OrderCompleted(metrics.PathManual)
		s.log.WithField("order_id", id).Info("order completed manually")
	}
	return s.GetOrder(ctx, id)
}

func (s *Service) requeueManually(ctx context.Context, id string) (*Order, error) {
	now := s.clock.Now()
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case OrderPending:
			return nil
		case OrderComplete:
			return errors.Wrap(ErrInvalidInput, "completed orders cannot return to PENDING")
		}
		return requeue(ctx, tx, o, now)
	})
	if err != nil {
		return nil, txErr("requeue order", err)
	}
	return s.GetOrder(ctx, id)
}

// requeue returns a PROCESSING order to PENDING and frees its bot.
func requeue(ctx context.Context, tx *Repo, o *Order, now time.Time) error {
	ok, err := tx.RequeueOrder(ctx, o.ID, o.BotID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if o.BotID != nil {
		if _, err := tx.ReleaseBot(ctx, *o.BotID, o.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOrder soft-deletes the order. A PROCESSING order releases its bot in
// the same transaction.
func (s *Service) DeleteOrder(ctx context.Context, id string) error {
	now := s.clock.Now()
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		ok, err := tx.SoftDeleteOrder(ctx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if o.Status == OrderProcessing && o.BotID != nil {
			if _, err := tx.ReleaseBot(ctx, *o.BotID, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return txErr("delete order", err)
	}
	s.log.WithField("order_id", id).Info("order deleted")
	return nil
}

type ClearResult struct {
	OrdersDeleted int64 `json:"orders_deleted"`
	BotsReset     int64 `json:"bots_reset"`
}

// ClearAllOrders soft-deletes every order and resets every bot to IDLE.
func (s *Service) ClearAllOrders(ctx context.Context) (ClearResult, error) {
	now := s.clock.Now()
	var res ClearResult
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		n, err := tx.ResetAllBots(ctx, now)
		if err != nil {
			return err
		}
		res.BotsReset = n
		n, err = tx.SoftDeleteAllOrders(ctx, now)
		if err != nil {
			return err
		}
		res.OrdersDeleted = n
		return nil
	})
	if err != nil {
		return ClearResult{}, txErr("clear orders", err)
	}
	s.log.WithFields(logrus.Fields{"orders": res.OrdersDeleted, "bots": res.BotsReset}).Info("orders cleared")
	return res, nil
}

// scheduleCompletion asks the scheduler to finalize a freshly started order.
// Failures are logged; the sweep is the fallback finalizer.
func (s *Service) scheduleCompletion(ctx context.Context, o *Order, b *Bot) {
	if !s.pushes() {
		s.log.WithField("order_id", o.ID).Debug("no push scheduling, sweep will finalize")
		return
	}
	req := CompletionRequest{
		OrderID:   o.ID,
		BotID:     b.ID,
		BotType:   b.BotType,
		StartedAt: *o.ProcessingStartedAt,
		Delay:     s.cfg.DelayFor(b.BotType),
	}
	if err := s.sched.Schedule(ctx, req); err != nil {
		s.metrics.ScheduleFailed()
		s.log.WithError(err).WithFields(logrus.Fields{"order_id": o.ID, "bot_id": b.ID}).Warn("schedule completion failed")
	}
}

// pushes reports whether the scheduler actually delivers callbacks. Pull mode
// and a broken push setup both leave finalization to the sweep.
func (s *Service) pushes() bool {
	if _, pull := s.sched.(PullScheduler); pull {
		return false
	}
	return s.sched.Ready() == nil
}
