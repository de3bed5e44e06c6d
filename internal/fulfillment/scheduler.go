package fulfillment

import (
	"context"
	"fmt"
	"time"
)

// CompletionRequest asks a Scheduler to finalize OrderID once Delay has
// passed since StartedAt.
type CompletionRequest struct {
	OrderID   string
	BotID     string
	BotType   BotType
	StartedAt time.Time
	Delay     time.Duration
}

// DedupKey is stable for one processing attempt, so re-sweeps of the same
// attempt collapse into a single callback.
func (r CompletionRequest) DedupKey() string {
	return fmt.Sprintf("%s-%d", r.OrderID, r.StartedAt.UnixMilli())
}

// Remaining is the time left until the order is due, relative to now.
func (r CompletionRequest) Remaining(now time.Time) time.Duration {
	left := r.StartedAt.Add(r.Delay).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type Scheduler interface {
	// Ready reports whether Schedule can be used at all. A non-nil error wraps
	// ErrConfiguration.
	Ready() error
	Schedule(ctx context.Context, req CompletionRequest) error
}

// PullScheduler schedules nothing; the recovery sweep finalizes due orders.
type PullScheduler struct{}

func (PullScheduler) Ready() error { return nil }

func (PullScheduler) Schedule(context.Context, CompletionRequest) error { return nil }

type unavailableScheduler struct {
	err error
}

// Unavailable returns a Scheduler for a push setup that is missing its
// configuration. Claims still work (the sweep finalizes them) but manual
// assignment is refused.
func Unavailable(reason string) Scheduler {
	return unavailableScheduler{err: fmt.Errorf("%w: %s", ErrConfiguration, reason)}
}

func (u unavailableScheduler) Ready() error { return u.err }

func (u unavailableScheduler) Schedule(context.Context, CompletionRequest) error { return u.err }
