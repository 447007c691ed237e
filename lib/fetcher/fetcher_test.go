package fetcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
)

func remotes(n int, failing map[string]bool) []types.Remote {
	var out []types.Remote
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("remote-%d", i)
		out = append(out, types.Remote{ID: id, Type: types.RemoteTypeHypervisor})
	}
	_ = failing
	return out
}

func TestPartialFailureIsolation(t *testing.T) {
	const n, k = 10, 3
	rs := remotes(n, nil)
	fail := make(map[string]bool, k)
	for i := 0; i < k; i++ {
		fail[rs[i].ID] = true
	}

	f := New(DefaultMaxConnections, DefaultMaxConnectionsPerRemote)
	results := DoForAllRemoteNodes(context.Background(), f, rs,
		func(ctx context.Context, remote types.Remote) ([]string, error) {
			if fail[remote.ID] {
				return nil, fmt.Errorf("simulated failure for %s", remote.ID)
			}
			return []string{"localhost"}, nil
		},
		func(ctx context.Context, remote types.Remote, node string) (int, error) {
			return 1, nil
		})

	var okCount, errCount int
	for _, r := range results.RemoteResults {
		if r.Ok() {
			okCount++
		} else {
			errCount++
		}
	}
	require.Equal(t, k, errCount)
	require.Equal(t, n-k, okCount)
}

func TestDoForAllRemoteNodesHypervisorFanout(t *testing.T) {
	rs := []types.Remote{{ID: "pve1", Type: types.RemoteTypeHypervisor}}
	f := New(4, 2)

	var calls int64
	results := DoForAllRemoteNodes(context.Background(), f, rs,
		func(ctx context.Context, remote types.Remote) ([]string, error) {
			return []string{"node-a", "node-b", "node-c"}, nil
		},
		func(ctx context.Context, remote types.Remote, node string) (string, error) {
			atomic.AddInt64(&calls, 1)
			return node, nil
		})

	require.EqualValues(t, 3, calls)
	remoteResult := results.RemoteResults["pve1"]
	require.True(t, remoteResult.Ok())
	require.Len(t, remoteResult.Value.NodeResults, 3)
}

func TestDoForAllRemotesBackupPseudoNode(t *testing.T) {
	rs := []types.Remote{{ID: "pbs1", Type: types.RemoteTypeBackup}}
	f := New(4, 2)

	results := DoForAllRemotes(context.Background(), f, rs,
		func(ctx context.Context, remote types.Remote) (string, error) {
			return "ok", nil
		})
	require.True(t, results["pbs1"].Ok())
	require.Equal(t, "ok", results["pbs1"].Value)
}
