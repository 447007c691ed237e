package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/scheduler"
)

// DefaultCollectionInterval and MinCollectionInterval mirror the source's
// DEFAULT_COLLECTION_INTERVAL / MIN_COLLECTION_INTERVAL.
const (
	DefaultCollectionInterval = 600 * time.Second
	MinCollectionInterval     = 10 * time.Second
	MaxConcurrentConnections  = 20
)

// Exporter fetches new metric points for a single remote, starting at
// start (exclusive), returning them in timestamp order.
type Exporter func(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error)

// ControlMessage is sent on the control channel to force a collection
// cycle outside the aligned schedule.
type ControlMessage struct {
	// Remote, if non-empty, restricts the forced cycle to one remote;
	// empty means "all remotes".
	Remote string
}

// Task is the metric collection task: aligned scheduling, per-remote
// cursoring, and single in-flight fetch per remote.
type Task struct {
	state    *State
	rrd      *RRDStore
	export   Exporter
	clock    clockwork.Clock
	sem      *semaphore.Weighted
	control  chan ControlMessage
	logger   *log.Entry
	remotes  func() []types.Remote
	interval time.Duration
}

// NewTask wires a collection task. remotes is called at the top of every
// cycle so configuration changes (added/removed remotes) take effect
// without restarting the task.
func NewTask(state *State, rrd *RRDStore, export Exporter, clock clockwork.Clock, remotes func() []types.Remote) *Task {
	return &Task{
		state:    state,
		rrd:      rrd,
		export:   export,
		clock:    clock,
		sem:      semaphore.NewWeighted(MaxConcurrentConnections),
		control:  make(chan ControlMessage, 8),
		logger:   log.WithField(trace.Component, "metrics"),
		remotes:  remotes,
		interval: DefaultCollectionInterval,
	}
}

// Trigger forces a collection cycle (optionally scoped to one remote) the
// next time the task's loop is free to act on it.
func (t *Task) Trigger(remote string) {
	select {
	case t.control <- ControlMessage{Remote: remote}:
	default:
		t.logger.Warn("control channel full, dropping forced collection request")
	}
}

// Run drives the aligned collection loop until ctx is cancelled. The
// aligned wakeup lands on the next wall-clock instant that is a multiple of
// t.interval, via the same C15 primitive lib/scheduler uses for its
// minute-aligned wakeups. Every wakeup — whether the aligned timer or a
// forced ControlMessage — fetches due remotes and then saves state,
// regardless of whether the cycle succeeded.
func (t *Task) Run(ctx context.Context) {
	for {
		wait := scheduler.NextAligned(t.clock, t.interval).Sub(t.clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(wait):
			t.fetchRemotes(ctx, "")
		case msg := <-t.control:
			t.fetchRemotes(ctx, msg.Remote)
		}
		if err := t.state.Save(); err != nil {
			t.logger.WithError(err).Warn("failed to save metric collection state")
		}
	}
}

func (t *Task) fetchRemotes(ctx context.Context, only string) {
	now := t.clock.Now().Unix()
	var wg sync.WaitGroup
	for _, remote := range t.remotes() {
		if only != "" && remote.ID != only {
			continue
		}
		entry := t.state.Get(remote.ID)
		if entry.LastCollection != nil && now-*entry.LastCollection < int64(MinCollectionInterval.Seconds()) {
			continue
		}
		wg.Add(1)
		go func(remote types.Remote, cursor int64) {
			defer wg.Done()
			t.fetchSingleRemote(ctx, remote, cursor, now)
		}(remote, entry.MostRecentDatapoint)
	}
	wg.Wait()
}

func (t *Task) fetchSingleRemote(ctx context.Context, remote types.Remote, cursor, now int64) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer t.sem.Release(1)

	points, err := t.export(ctx, remote, cursor)
	if err != nil {
		t.state.RecordFailure(remote.ID, err.Error())
		t.logger.WithError(err).WithField("remote", remote.ID).Warn("metric collection failed")
		return
	}

	newest := t.rrd.Submit(remote.ID, points)
	if newest == 0 {
		newest = cursor
	}
	t.state.RecordSuccess(remote.ID, newest, now)
}
