package metrics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
)

// fakeRemoteSeries emits points at t=0..120 in 10-second steps, then one
// more at t=130 once armed — matching Scenario S6 from the specification.
type fakeRemoteSeries struct {
	points []types.RrdDataPoint
}

func newFakeRemoteSeries() *fakeRemoteSeries {
	s := &fakeRemoteSeries{}
	for ts := int64(0); ts <= 120; ts += 10 {
		s.points = append(s.points, types.RrdDataPoint{Timestamp: ts, Values: map[string]float64{"cpu": 0.1}})
	}
	return s
}

func (s *fakeRemoteSeries) export(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error) {
	var out []types.RrdDataPoint
	for _, p := range s.points {
		if p.Timestamp > start {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestMetricCursorMonotonicity(t *testing.T) {
	dir := t.TempDir()
	state, err := LoadState(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	rrd := NewRRDStore(filepath.Join(dir, "rrd"))
	stop := make(chan struct{})
	go rrd.Run(stop)
	defer close(stop)

	series := newFakeRemoteSeries()
	remote := types.Remote{ID: "pbs1", Type: types.RemoteTypeBackup}

	clock := clockwork.NewFakeClock()
	task := NewTask(state, rrd, series.export, clock, func() []types.Remote {
		return []types.Remote{remote}
	})

	// First cycle: 12 points, cursor -> 120.
	task.fetchRemotes(context.Background(), "")
	entry := state.Get("pbs1")
	require.EqualValues(t, 120, entry.MostRecentDatapoint)

	// Second cycle, one collection interval later, with no new points:
	// cursor stays at 120.
	clock.Advance(DefaultCollectionInterval)
	task.fetchRemotes(context.Background(), "")
	entry = state.Get("pbs1")
	require.EqualValues(t, 120, entry.MostRecentDatapoint)

	// Remote emits one more point at t=130.
	series.points = append(series.points, types.RrdDataPoint{Timestamp: 130, Values: map[string]float64{"cpu": 0.2}})
	clock.Advance(DefaultCollectionInterval)
	task.fetchRemotes(context.Background(), "")
	entry = state.Get("pbs1")
	require.EqualValues(t, 130, entry.MostRecentDatapoint)
}

func TestMetricCollectionFailureLeavesCursorIntact(t *testing.T) {
	dir := t.TempDir()
	state, err := LoadState(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	rrd := NewRRDStore(filepath.Join(dir, "rrd"))
	stop := make(chan struct{})
	go rrd.Run(stop)
	defer close(stop)

	remote := types.Remote{ID: "pve1", Type: types.RemoteTypeHypervisor}
	clock := clockwork.NewFakeClock()
	now := clock.Now().Unix()
	state.RecordSuccess("pve1", 50, now-1000)

	failing := func(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error) {
		return nil, errFailed
	}
	task := NewTask(state, rrd, failing, clock, func() []types.Remote {
		return []types.Remote{remote}
	})
	task.fetchRemotes(context.Background(), "")

	entry := state.Get("pve1")
	require.EqualValues(t, 50, entry.MostRecentDatapoint)
	require.NotEmpty(t, entry.Error)
}

func TestMinCollectionIntervalSkipsForcedCollection(t *testing.T) {
	dir := t.TempDir()
	state, err := LoadState(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	rrd := NewRRDStore(filepath.Join(dir, "rrd"))
	stop := make(chan struct{})
	go rrd.Run(stop)
	defer close(stop)

	remote := types.Remote{ID: "pbs1", Type: types.RemoteTypeBackup}
	clock := clockwork.NewFakeClock()
	now := clock.Now().Unix()
	state.RecordSuccess("pbs1", 10, now)

	calls := 0
	exporter := func(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error) {
		calls++
		return nil, nil
	}
	task := NewTask(state, rrd, exporter, clock, func() []types.Remote {
		return []types.Remote{remote}
	})
	task.fetchRemotes(context.Background(), "")
	require.Equal(t, 0, calls)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errFailed = sentinelError("simulated remote failure")
