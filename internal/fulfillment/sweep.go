package fulfillment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/metrics"
)

// SweepReport counts what one Recover pass changed.
type SweepReport struct {
	BotsRepaired    int `json:"bots_repaired"`
	OrdersCompleted int `json:"orders_completed"`
	OrdersRequeued  int `json:"orders_requeued"`
	Rescheduled     int `json:"rescheduled"`
}

// Recover reconciles the ledger with the clock:
//
//  1. bots left PROCESSING without a live order of their own go back to IDLE
//  2. PROCESSING orders past their bot's delay are finalized; the rest get a
//     completion callback for the remaining time when push is available
//
// Every write is conditioned on the state it read, so concurrent or repeated
// passes converge. Per-order failures are logged and skipped.
func (s *Service) Recover(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	now := s.clock.Now()
	var report SweepReport

	if err := s.repairBots(ctx, now, &report); err != nil {
		return report, err
	}

	orders, err := s.repo.ListOrdersByStatus(ctx, OrderProcessing)
	if err != nil {
		return report, storageErr("list processing orders", err)
	}
	for i := range orders {
		o := &orders[i]
		if err := s.resolveProcessing(ctx, o, now, &report); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("sweep: order not resolved")
		}
	}

	s.metrics.SweepRan(time.Since(start), report.BotsRepaired)
	if report != (SweepReport{}) {
		s.log.WithFields(logrus.Fields{
			"bots_repaired":    report.BotsRepaired,
			"orders_completed": report.OrdersCompleted,
			"orders_requeued":  report.OrdersRequeued,
			"rescheduled":      report.Rescheduled,
		}).Info("recovery sweep")
	}
	return report, nil
}

func (s *Service) repairBots(ctx context.Context, now time.Time, report *SweepReport) error {
	n, err := s.repo.RepairStuckBots(ctx, now)
	if err != nil {
		return storageErr("repair stuck bots", err)
	}
	report.BotsRepaired += int(n)

	bots, err := s.repo.ListBotsByStatus(ctx, BotProcessing)
	if err != nil {
		return storageErr("list processing bots", err)
	}
	for _, b := range bots {
		if b.CurrentOrderID == nil {
			continue
		}
		var freed bool
		err := s.repo.WithinTx(ctx, func(tx *Repo) error {
			o, err := tx.GetOrder(ctx, *b.CurrentOrderID)
			if err == nil && o.Status == OrderProcessing && o.BotID != nil && *o.BotID == b.ID {
				return nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			freed, err = tx.ReleaseBot(ctx, b.ID, *b.CurrentOrderID, now)
			return err
		})
		if err != nil {
			s.log.WithError(err).WithField("bot_id", b.ID).Warn("sweep: bot not repaired")
			continue
		}
		if freed {
			report.BotsRepaired++
		}
	}
	return nil
}

func (s *Service) resolveProcessing(ctx context.Context, o *Order, now time.Time, report *SweepReport) error {
	if o.BotID == nil {
		return s.requeueOrphan(ctx, o, now, report)
	}
	bot, err := s.repo.GetBot(ctx, *o.BotID)
	if errors.Is(err, ErrNotFound) {
		return s.requeueOrphan(ctx, o, now, report)
	}
	if err != nil {
		return errors.Wrap(err, "load bot")
	}

	started := processingStart(o)
	delay := s.cfg.DelayFor(bot.BotType)

	if now.Sub(started) >= delay {
		var done bool
		err := s.repo.WithinTx(ctx, func(tx *Repo) error {
			var err error
			done, err = finalize(ctx, tx, o.ID, bot.ID, now)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "finalize")
		}
		if done {
			report.OrdersCompleted++
			s.metrics.OrderCompleted(metrics.PathSweep)
		}
		return nil
	}

	if !s.pushes() {
		return nil
	}
	req := CompletionRequest{
		OrderID:   o.ID,
		BotID:     bot.ID,
		BotType:   bot.BotType,
		StartedAt: started,
		Delay:     delay,
	}
	if err := s.sched.Schedule(ctx, req); err != nil {
		s.metrics.ScheduleFailed()
		return errors.Wrap(err, "reschedule")
	}
	report.Rescheduled++
	return nil
}

// requeueOrphan returns a PROCESSING order whose bot is gone to the queue.
func (s *Service) requeueOrphan(ctx context.Context, o *Order, now time.Time, report *SweepReport) error {
	var ok bool
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		var err error
		ok, err = tx.RequeueOrder(ctx, o.ID, o.BotID, now)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "requeue orphan")
	}
	if ok {
		report.OrdersRequeued++
	}
	return nil
}

// processingStart falls back to updated_at then created_at for rows written
// before processing_started_at existed.
func processingStart(o *Order) time.Time {
	if o.ProcessingStartedAt != nil && !o.ProcessingStartedAt.IsZero() {
		return *o.ProcessingStartedAt
	}
	if !o.UpdatedAt.IsZero() {
		return o.UpdatedAt
	}
	return o.CreatedAt
}
