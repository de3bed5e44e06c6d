package fulfillment

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/common"
)

func (s *Service) CreateBot(ctx context.Context, botType BotType) (*Bot, error) {
	if botType == "" {
		botType = BotNormal
	}
	if !botType.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "bot type %q", botType)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	bot := &Bot{
		ID:        id,
		BotType:   botType,
		Status:    BotIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertBot(ctx, bot); err != nil {
		return nil, txErr("create bot", err)
	}
	s.log.WithFields(logrus.Fields{"bot_id": bot.ID, "bot_type": botType}).Info("bot created")
	return bot, nil
}

func (s *Service) ListBots(ctx context.Context) ([]Bot, error) {
	bots, err := s.repo.ListBots(ctx)
	if err != nil {
		return nil, txErr("list bots", err)
	}
	return bots, nil
}

// UpdateBot only supports stopping a bot (status IDLE): its PROCESSING order
// goes back to PENDING. Work starts through claims, never here.
func (s *Service) UpdateBot(ctx context.Context, id string, status BotStatus) (*Bot, error) {
	switch status {
	case BotIdle:
	case BotProcessing:
		return nil, errors.Wrap(ErrInvalidInput, "bots start processing by claiming an order")
	default:
		return nil, errors.Wrapf(ErrInvalidInput, "status %q", status)
	}

	now := s.clock.Now()
	var requeued int64
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		if _, err := tx.GetBot(ctx, id); err != nil {
			return err
		}
		n, err := tx.RequeueBotOrders(ctx, id, now)
		if err != nil {
			return err
		}
		requeued = n
		_, err = tx.StopBot(ctx, id, now)
		return err
	})
	if err != nil {
		return nil, txErr("stop bot", err)
	}
	if requeued > 0 {
		s.log.WithFields(logrus.Fields{"bot_id": id, "requeued": requeued}).Info("bot stopped, order returned to queue")
	}

	b, err := s.repo.GetBot(ctx, id)
	if err != nil {
		return nil, txErr("get bot", err)
	}
	return b, nil
}

// DeleteBot soft-deletes the bot. Any order it was processing returns to
// PENDING in the same transaction.
func (s *Service) DeleteBot(ctx context.Context, id string) error {
	now := s.clock.Now()
	err := s.repo.WithinTx(ctx, func(tx *Repo) error {
		if _, err := tx.GetBot(ctx, id); err != nil {
			return err
		}
		if _, err := tx.RequeueBotOrders(ctx, id, now); err != nil {
			return err
		}
		ok, err := tx.SoftDeleteBot(ctx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return txErr("delete bot", err)
	}
	s.log.WithField("bot_id", id).Info("bot deleted")
	return nil
}
