// Package completion implements push scheduling: a deduplicated delayed
// message that the worker turns into a signed completion callback.
package completion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/store/rabbitmq"
)

type Publisher interface {
	PublishDelayed(ctx context.Context, id string, body []byte, delay time.Duration) error
}

type Deduper interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// dedup keys outlive the callback they guard by this much
const dedupSlack = time.Minute

type PushScheduler struct {
	pub   Publisher
	dedup Deduper
	clock common.Clock
	log   logrus.FieldLogger
}

var _ fulfillment.Scheduler = (*PushScheduler)(nil)

// NewPushScheduler builds a scheduler over pub. dedup may be nil, in which
// case every request is published and the callback's idempotence absorbs
// the duplicates.
func NewPushScheduler(pub Publisher, dedup Deduper, clock common.Clock, log logrus.FieldLogger) *PushScheduler {
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PushScheduler{pub: pub, dedup: dedup, clock: clock, log: log}
}

func (p *PushScheduler) Ready() error { return nil }

func (p *PushScheduler) Schedule(ctx context.Context, req fulfillment.CompletionRequest) error {
	delay := time.Duration(rabbitmq.DelaySeconds(req.Remaining(p.clock.Now()))) * time.Second
	key := req.DedupKey()
	log := p.log.WithFields(logrus.Fields{"order_id": req.OrderID, "bot_id": req.BotID, "dedup_key": key})

	if p.dedup != nil {
		first, err := p.dedup.SetOnce(ctx, key, delay+dedupSlack)
		switch {
		case err != nil:
			log.WithError(err).Warn("dedup store unavailable, publishing anyway")
		case !first:
			log.Debug("completion already scheduled")
			return nil
		}
	}

	body, err := json.Marshal(callback.Payload{
		OrderID:   req.OrderID,
		BotID:     req.BotID,
		StartedAt: req.StartedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := p.pub.PublishDelayed(ctx, key, body, delay); err != nil {
		// let the next sweep try again
		if p.dedup != nil {
			_ = p.dedup.Forget(ctx, key)
		}
		return errors.Wrap(err, "publish completion")
	}

	log.WithField("delay", delay).Debug("completion scheduled")
	return nil
}
