package fulfillment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRecover_FinalizesOverdueOrder(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	o := f.order(t, OrderNormal)
	bot := f.bot(t, BotNormal)
	require.Equal(t, ClaimOK, f.claim(t, bot.ID).Status)

	f.clock.Advance(11 * time.Second)
	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersCompleted)

	got := f.reloadOrder(t, o.ID)
	assert.Equal(t, OrderComplete, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ActiveBotID)

	b := f.reloadBot(t, bot.ID)
	assert.Equal(t, BotIdle, b.Status)
	assert.Nil(t, b.CurrentOrderID)
}

func TestRecover_VIPDelayIsShorter(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	normalOrder := f.order(t, OrderNormal)
	vipOrder := f.order(t, OrderVIP)
	f.claim(t, f.bot(t, BotVIP).ID)
	f.claim(t, f.bot(t, BotNormal).ID)

	f.clock.Advance(6 * time.Second)
	_, err := f.svc.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OrderComplete, f.reloadOrder(t, vipOrder.ID).Status)
	assert.Equal(t, OrderProcessing, f.reloadOrder(t, normalOrder.ID).Status)
}

func TestRecover_ReschedulesRemainingTime(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, OrderNormal)
	f.claim(t, f.bot(t, BotNormal).ID)
	f.clock.Advance(4 * time.Second)

	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescheduled)

	reqs := f.sched.requests()
	require.Len(t, reqs, 2) // claim + sweep
	assert.Equal(t, reqs[0].DedupKey(), reqs[1].DedupKey())
	assert.Equal(t, o.ID, reqs[1].OrderID)
	assert.Equal(t, 6*time.Second, reqs[1].Remaining(f.clock.Now()))
}

func TestRecover_PullModeDoesNotReschedule(t *testing.T) {
	f := newFixture(t)
	f.sched.readyErr = Unavailable("off").Ready()
	f.order(t, OrderNormal)
	f.claim(t, f.bot(t, BotNormal).ID)

	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Rescheduled)
	assert.Empty(t, f.sched.requests())
}

func TestRecover_PullSchedulerLeavesInFlightOrders(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	o := f.order(t, OrderNormal)
	f.claim(t, f.bot(t, BotNormal).ID)

	f.clock.Advance(4 * time.Second)
	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	assert.Equal(t, OrderProcessing, f.reloadOrder(t, o.ID).Status)

	f.clock.Advance(6 * time.Second)
	report, err = f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{OrdersCompleted: 1}, report)
	assert.Equal(t, OrderComplete, f.reloadOrder(t, o.ID).Status)
}

func TestRecover_RepairsStuckBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stuck := f.bot(t, BotNormal)
	require.NoError(t, f.db.Model(&Bot{}).Where("id = ?", stuck.ID).Update("status", BotProcessing).Error)

	// dangling: points at an order that is already complete
	o := f.order(t, OrderNormal)
	dangling := f.bot(t, BotNormal)
	require.NoError(t, f.db.Model(&Order{}).Where("id = ?", o.ID).Update("status", OrderComplete).Error)
	require.NoError(t, f.db.Model(&Bot{}).Where("id = ?", dangling.ID).
		Updates(map[string]any{"status": BotProcessing, "current_order_id": o.ID}).Error)

	report, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.BotsRepaired)

	for _, id := range []string{stuck.ID, dangling.ID} {
		b := f.reloadBot(t, id)
		assert.Equal(t, BotIdle, b.Status)
		assert.Nil(t, b.CurrentOrderID)
	}
}

func TestRecover_RequeuesOrphanedOrders(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, OrderNormal)
	bot := f.bot(t, BotNormal)
	f.claim(t, bot.ID)

	// bot vanishes without going through DeleteBot
	require.NoError(t, f.db.Where("id = ?", bot.ID).Delete(&Bot{}).Error)

	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersRequeued)

	got := f.reloadOrder(t, o.ID)
	assert.Equal(t, OrderPending, got.Status)
	assert.Nil(t, got.BotID)
	assert.Nil(t, got.ProcessingStartedAt)
}

func TestRecover_FallsBackToUpdatedAt(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	o := f.order(t, OrderNormal)
	bot := f.bot(t, BotNormal)
	f.claim(t, bot.ID)
	require.NoError(t, f.db.Model(&Order{}).Where("id = ?", o.ID).
		UpdateColumn("processing_started_at", nil).Error)

	f.clock.Advance(10 * time.Second)
	report, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersCompleted)
}

func TestRecover_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.order(t, OrderNormal)
		f.claim(t, f.bot(t, BotNormal).ID)
	}
	f.order(t, OrderVIP)
	f.clock.Advance(30 * time.Second)

	var g errgroup.Group
	reports := make([]SweepReport, 3)
	for i := range reports {
		i := i
		g.Go(func() error {
			var err error
			reports[i], err = f.svc.Recover(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var completed int
	for _, r := range reports {
		completed += r.OrdersCompleted
	}
	assert.Equal(t, 4, completed, "each order finalized exactly once")

	before := snapshot(t, f)
	second, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, second)
	assert.Equal(t, before, snapshot(t, f))
}

func snapshot(t *testing.T, f *fixture) map[string]string {
	t.Helper()
	out := map[string]string{}
	var orders []Order
	require.NoError(t, f.db.Find(&orders).Error)
	for _, o := range orders {
		out["order/"+o.ID] = string(o.Status)
	}
	var bots []Bot
	require.NoError(t, f.db.Find(&bots).Error)
	for _, b := range bots {
		out["bot/"+b.ID] = string(b.Status)
	}
	return out
}

func TestListOrders_SweepGuardedByLock(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	ctx := context.Background()
	o := f.order(t, OrderVIP)
	f.claim(t, f.bot(t, BotVIP).ID)

	// first listing takes the lock; nothing is due yet
	_, err := f.svc.ListOrders(ctx)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Second)
	_, _ = f.svc.ListOrders(ctx)
	f.clock.Advance(2 * time.Second)
	// the lock taken by the first listing has expired
	orders, err := f.svc.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].ID)
	assert.Equal(t, OrderComplete, orders[0].Status)
}

func TestListOrders_LockSkipsSweep(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	ctx := context.Background()
	o := f.order(t, OrderVIP)
	f.claim(t, f.bot(t, BotVIP).ID)

	_, err := f.svc.ListOrders(ctx)
	require.NoError(t, err)

	// order is due but the lock taken 4.9s ago still holds
	f.svc.cfg.VIPDelay = time.Second
	f.clock.Advance(4900 * time.Millisecond)
	orders, err := f.svc.ListOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, OrderProcessing, orders[0].Status)
	assert.Equal(t, o.ID, orders[0].ID)
}

func TestListOrders_Ordering(t *testing.T) {
	f := newFixture(t)
	f.svc.sched = PullScheduler{}
	f.svc.locker = nil
	ctx := context.Background()

	n1 := f.order(t, OrderNormal)
	f.clock.Advance(time.Millisecond)
	v1 := f.order(t, OrderVIP)
	f.clock.Advance(time.Millisecond)
	n2 := f.order(t, OrderNormal)
	f.clock.Advance(time.Millisecond)
	v2 := f.order(t, OrderVIP)
	f.clock.Advance(time.Millisecond)
	done := f.order(t, OrderNormal)
	f.clock.Advance(time.Millisecond)

	_, err := f.svc.UpdateOrder(ctx, done.ID, OrderUpdate{Status: statusPtr(OrderComplete)})
	require.NoError(t, err)
	// v1 goes to a bot
	res := f.claim(t, f.bot(t, BotNormal).ID)
	require.Equal(t, v1.ID, res.Order.ID)

	orders, err := f.svc.ListOrders(ctx)
	require.NoError(t, err)

	var ids []string
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{v2.ID, n1.ID, n2.ID, v1.ID, done.ID}, ids)
}
