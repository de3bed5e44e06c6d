package fulfillment

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/order-bots/internal/db"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeScheduler struct {
	mu       sync.Mutex
	readyErr error
	err      error
	reqs     []CompletionRequest
}

func (f *fakeScheduler) Ready() error { return f.readyErr }

func (f *fakeScheduler) Schedule(_ context.Context, req CompletionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeScheduler) requests() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompletionRequest(nil), f.reqs...)
}

type fixture struct {
	db    *gorm.DB
	repo  *Repo
	svc   *Service
	clock *fakeClock
	sched *fakeScheduler
	logs  *logtest.Hook
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pos.db") + "?_pragma=busy_timeout(5000)"
	gdb, err := db.ConnectWith(dsn, logger.Default.LogMode(logger.Silent))
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

// newFixture builds a service over a fresh sqlite file with a fake clock and
// a push-ready fake scheduler.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := openTestDB(t)
	clock := newFakeClock()
	sched := &fakeScheduler{}
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	repo := NewRepo(gdb)
	locker := NewLocker(gdb, 5*time.Second, clock, log)
	svc := NewService(repo, locker, sched, Config{NormalDelay: 10 * time.Second, VIPDelay: 5 * time.Second},
		WithClock(clock), WithLogger(log))

	return &fixture{db: gdb, repo: repo, svc: svc, clock: clock, sched: sched, logs: hook}
}

func (f *fixture) order(t *testing.T, typ OrderType) *Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), typ)
	require.NoError(t, err)
	return o
}

func (f *fixture) bot(t *testing.T, typ BotType) *Bot {
	t.Helper()
	b, err := f.svc.CreateBot(context.Background(), typ)
	require.NoError(t, err)
	return b
}

func (f *fixture) reloadOrder(t *testing.T, id string) Order {
	t.Helper()
	var o Order
	require.NoError(t, f.db.Unscoped().First(&o, "id = ?", id).Error)
	return o
}

func (f *fixture) reloadBot(t *testing.T, id string) Bot {
	t.Helper()
	var b Bot
	require.NoError(t, f.db.Unscoped().First(&b, "id = ?", id).Error)
	return b
}

func (f *fixture) claim(t *testing.T, botID string) ClaimResult {
	t.Helper()
	res, err := f.svc.ClaimForBot(context.Background(), botID)
	require.NoError(t, err)
	return res
}

func statusPtr(s OrderStatus) *OrderStatus { return &s }
