package remotecache

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/scheduler"
)

func TestGetReflectsLatestSave(t *testing.T) {
	var version scheduler.VersionCounter
	cache := New(filepath.Join(t.TempDir(), "remote-mapping-cache.json"), &version)

	guard, err := cache.Write()
	require.NoError(t, err)
	SetNodeName(guard.Data, "pve1", types.RemoteTypeHypervisor, "10.0.0.1", "node-a")
	require.NoError(t, guard.Save())

	data, err := cache.Get()
	require.NoError(t, err)
	info, ok := InfoByHostname(data, "pve1", "10.0.0.1")
	require.True(t, ok)
	require.Equal(t, "node-a", info.NodeName)

	byNode, ok := InfoByNodeName(data, "pve1", "node-a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", byNode.Hostname)
}

func TestConcurrentGetAfterWriteSeesUpdate(t *testing.T) {
	var version scheduler.VersionCounter
	cache := New(filepath.Join(t.TempDir(), "remote-mapping-cache.json"), &version)

	guard, err := cache.Write()
	require.NoError(t, err)
	SetNodeName(guard.Data, "pve1", types.RemoteTypeHypervisor, "10.0.0.1", "node-a")
	require.NoError(t, guard.Save())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := cache.Get()
			require.NoError(t, err)
			_, ok := InfoByHostname(data, "pve1", "10.0.0.1")
			require.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestSetNodeNameMaintainsInverse(t *testing.T) {
	mapping := types.NewRemoteMapping(types.RemoteTypeHypervisor)
	mapping.SetNodeName("10.0.0.1", "node-a")
	mapping.SetNodeName("10.0.0.1", "node-b")

	require.Equal(t, "10.0.0.1", mapping.NodeToHost["node-b"])
	_, stillThere := mapping.NodeToHost["node-a"]
	require.False(t, stillThere)
}

func TestPruneAbsent(t *testing.T) {
	cache := types.NewRemoteMappingCache()
	SetNodeName(cache, "pve1", types.RemoteTypeHypervisor, "10.0.0.1", "node-a")
	SetNodeName(cache, "pve1", types.RemoteTypeHypervisor, "10.0.0.2", "node-b")
	SetNodeName(cache, "pve2", types.RemoteTypeHypervisor, "10.0.1.1", "node-c")

	PruneAbsent(cache, map[string]map[string]bool{
		"pve1": {"10.0.0.1": true},
	})

	_, ok := cache.Remotes["pve2"]
	require.False(t, ok)
	require.Len(t, cache.Remotes["pve1"].Hosts, 1)
	_, ok = cache.Remotes["pve1"].NodeToHost["node-b"]
	require.False(t, ok)
}
