package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/remotecache"
	"github.com/zmb3/pdm/lib/scheduler"
)

func TestReconcilePrunesAbsentRemotesAndHosts(t *testing.T) {
	var version scheduler.VersionCounter
	cache := remotecache.New(filepath.Join(t.TempDir(), "cache.json"), &version)

	guard, err := cache.Write()
	require.NoError(t, err)
	remotecache.SetNodeName(guard.Data, "pve1", types.RemoteTypeHypervisor, "host-a", "node-a")
	remotecache.SetNodeName(guard.Data, "pve1", types.RemoteTypeHypervisor, "host-b", "node-b")
	remotecache.SetNodeName(guard.Data, "pve-gone", types.RemoteTypeHypervisor, "host-z", "node-z")
	require.NoError(t, guard.Save())

	task := New(nil, cache, nil, clockwork.NewFakeClock())
	remotes := []types.Remote{
		{ID: "pve1", Type: types.RemoteTypeHypervisor, Nodes: []types.NodeUrl{{Hostname: "host-a"}}},
	}
	require.NoError(t, task.reconcile(remotes))

	data, err := cache.Get()
	require.NoError(t, err)
	_, ok := data.Remotes["pve-gone"]
	require.False(t, ok)
	require.Len(t, data.Remotes["pve1"].Hosts, 1)
	_, ok = data.Remotes["pve1"].Hosts["host-a"]
	require.True(t, ok)
}

func TestQueryOneRecordsReachabilityAndNodeName(t *testing.T) {
	var version scheduler.VersionCounter
	cache := remotecache.New(filepath.Join(t.TempDir(), "cache.json"), &version)
	query := func(ctx context.Context, remote types.Remote, hostname string) (string, error) {
		return "node-a", nil
	}
	task := New(nil, cache, query, clockwork.NewFakeClock())

	remote := types.Remote{ID: "pve1", Type: types.RemoteTypeHypervisor}
	task.queryOne(context.Background(), remote, "host-a")

	data, err := cache.Get()
	require.NoError(t, err)
	info, ok := remotecache.InfoByHostname(data, "pve1", "host-a")
	require.True(t, ok)
	require.True(t, info.Reachable)
	require.Equal(t, "node-a", info.NodeName)
}

func TestQueryOneMarksUnreachableOnFailure(t *testing.T) {
	var version scheduler.VersionCounter
	cache := remotecache.New(filepath.Join(t.TempDir(), "cache.json"), &version)
	query := func(ctx context.Context, remote types.Remote, hostname string) (string, error) {
		return "", errQueryFailed
	}
	task := New(nil, cache, query, clockwork.NewFakeClock())

	remote := types.Remote{ID: "pve1", Type: types.RemoteTypeHypervisor}
	task.queryOne(context.Background(), remote, "host-a")

	data, err := cache.Get()
	require.NoError(t, err)
	info, ok := remotecache.InfoByHostname(data, "pve1", "host-a")
	require.True(t, ok)
	require.False(t, info.Reachable)
}

type queryErr string

func (e queryErr) Error() string { return string(e) }

var errQueryFailed = queryErr("host unreachable")
