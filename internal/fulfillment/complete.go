package fulfillment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/metrics"
)

// finalize completes orderID if it is still PROCESSING on botID, then frees
// the bot if the bot still points at it. false means some other path already
// finalized or requeued the order; nothing was written.
func finalize(ctx context.Context, tx *Repo, orderID, botID string, now time.Time) (bool, error) {
	ok, err := tx.MarkOrderComplete(ctx, orderID, botID, now)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ReleaseBot(ctx, botID, orderID, now); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteOrder is the delayed-callback entry point. startedAt names the
// processing attempt the callback was scheduled for. The order is finalized
// only while it is PROCESSING on botID in that same attempt; otherwise it
// reports false with no error, so duplicate, late or stale callbacks are
// harmless.
func (s *Service) CompleteOrder(ctx context.Context, orderID, botID string, startedAt time.Time) (bool, error) {
	if orderID == "" || botID == "" || startedAt.IsZero() {
		return false, errors.Wrap(ErrInvalidInput, "order_id, bot_id and started_at are required")
	}

	now := s.clock.Now()
	var done, stale bool
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		o, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if o.Status != OrderProcessing || o.BotID == nil || *o.BotID != botID {
			return nil
		}
		// the bot was stopped or the order requeued, then claimed again
		if !sameAttempt(o, startedAt) {
			stale = true
			return nil
		}
		done, err = finalize(ctx, tx, orderID, botID, now)
		return err
	})
	if err != nil {
		return false, txErr("complete order", err)
	}

	log := s.log.WithFields(logrus.Fields{"order_id": orderID, "bot_id": botID, "started_at": startedAt})
	if stale {
		log.Info("completion callback ignored, scheduled for an earlier attempt")
		return false, nil
	}
	if !done {
		log.Info("completion callback ignored, already finalized")
		return false, nil
	}
	s.metrics.OrderCompleted(metrics.PathCallback)
	log.Info("order completed by callback")
	return true, nil
}

// sameAttempt compares at millisecond precision, the resolution both the
// stored processing_started_at and the callback payload carry.
func sameAttempt(o *Order, startedAt time.Time) bool {
	return processingStart(o).UnixMilli() == startedAt.UnixMilli()
}
