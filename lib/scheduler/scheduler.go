package scheduler

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// NextAligned returns the next instant whose wall-clock time is a multiple
// of interval, relative to now as reported by clock. interval should be a
// positive multiple of time.Minute so the result lands on a minute
// boundary.
func NextAligned(clock clockwork.Clock, interval time.Duration) time.Time {
	now := clock.Now()
	next := now.Truncate(interval).Add(interval)
	if next.Equal(now) {
		next = next.Add(interval)
	}
	return next
}

// NextMinute returns the next instant whose wall-clock second is 0,
// relative to now as reported by clock.
func NextMinute(clock clockwork.Clock) time.Time {
	return NextAligned(clock, time.Minute)
}

// Run drives workload once per minute-aligned wakeup until ctx is
// cancelled. A panic inside workload is recovered, logged under
// component, and the loop continues to the next tick rather than taking
// the whole process down.
func Run(ctx context.Context, clock clockwork.Clock, component string, workload func(context.Context)) {
	logger := log.WithField(trace.Component, component)
	for {
		wait := NextMinute(clock).Sub(clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-clock.After(wait):
		}
		runOnce(ctx, logger, workload)
	}
}

func runOnce(ctx context.Context, logger *log.Entry, workload func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduled workload panicked: %v", r)
		}
	}()
	workload(ctx)
}
