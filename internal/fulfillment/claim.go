package fulfillment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ClaimStatus string

const (
	ClaimOK          ClaimStatus = "ok"
	ClaimNoOrder     ClaimStatus = "no_order"
	ClaimBotNotFound ClaimStatus = "bot_not_found"
	ClaimBotBusy     ClaimStatus = "bot_busy"
	ClaimConflict    ClaimStatus = "conflict"
)

// ClaimResult is the outcome of ClaimForBot. Order and Bot are set only for
// ClaimOK.
type ClaimResult struct {
	Status ClaimStatus
	Order  *Order
	Bot    *Bot
}

// ClaimForBot assigns the best pending order (VIP first, then lowest order
// number) to an idle bot. Expected outcomes, including a lost race, are
// reported through ClaimResult; the error is reserved for storage failures.
func (s *Service) ClaimForBot(ctx context.Context, botID string) (ClaimResult, error) {
	now := s.clock.Now()
	res := ClaimResult{}

	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		// 1) the bot must exist and be idle
		bot, err := tx.GetBot(ctx, botID)
		if errors.Is(err, ErrNotFound) {
			res.Status = ClaimBotNotFound
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "load bot")
		}
		if bot.Status != BotIdle {
			res.Status = ClaimBotBusy
			return nil
		}

		// 2) pick the next order
		order, err := tx.NextPendingOrder(ctx)
		if errors.Is(err, ErrNotFound) {
			res.Status = ClaimNoOrder
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "next pending order")
		}

		// 3) both conditioned updates or neither
		if err := assign(ctx, tx, order, bot, now); err != nil {
			return err
		}
		res = ClaimResult{Status: ClaimOK, Order: order, Bot: bot}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrConflict) || isDuplicateKey(err) {
			res = ClaimResult{Status: ClaimConflict}
		} else {
			s.metrics.Claim("error")
			return ClaimResult{}, storageErr("claim", err)
		}
	}

	s.metrics.Claim(string(res.Status))
	fields := logrus.Fields{"bot_id": botID, "outcome": res.Status}
	if res.Order != nil {
		fields["order_id"] = res.Order.ID
	}
	s.log.WithFields(fields).Debug("claim")

	if res.Status == ClaimOK {
		s.scheduleCompletion(ctx, res.Order, res.Bot)
	}
	return res, nil
}

// assign moves o PENDING->PROCESSING and b IDLE->PROCESSING. Either update
// missing its expected prior state aborts with ErrConflict. o and b are
// updated in memory to match what was written.
//
// processing_started_at is truncated to milliseconds before it is written, so
// every driver stores exactly the value the dedup key and the callback
// payload are built from.
func assign(ctx context.Context, tx *Repo, o *Order, b *Bot, now time.Time) error {
	now = now.Truncate(time.Millisecond)
	ok, err := tx.MarkOrderProcessing(ctx, o.ID, b.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrConflict, "order no longer pending")
	}

	ok, err = tx.MarkBotProcessing(ctx, b.ID, o.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrConflict, "bot no longer idle")
	}

	o.Status = OrderProcessing
	o.BotID = strPtr(b.ID)
	o.ActiveBotID = strPtr(b.ID)
	o.ProcessingStartedAt = timePtr(now)
	o.CompletedAt = nil
	o.UpdatedAt = now

	b.Status = BotProcessing
	b.CurrentOrderID = strPtr(o.ID)
	b.UpdatedAt = now
	return nil
}
