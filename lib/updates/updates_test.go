package updates

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/fetcher"
)

func TestRepositoryStatusMissingSubscriptionForEnterprise(t *testing.T) {
	status := CheckRepositoryStatus(RepoConfig{HasEnterprise: true}, false)
	require.Equal(t, types.RepoStatusMissingSubscriptionForEnterprise, status)
}

func TestRepositoryStatusPrecedence(t *testing.T) {
	require.Equal(t, types.RepoStatusError, CheckRepositoryStatus(RepoConfig{Errors: []string{"boom"}}, true))
	require.Equal(t, types.RepoStatusNoProductRepository, CheckRepositoryStatus(RepoConfig{}, true))
	require.Equal(t, types.RepoStatusNonProductionReady, CheckRepositoryStatus(RepoConfig{HasNoSubscription: true}, true))
	require.Equal(t, types.RepoStatusOk, CheckRepositoryStatus(RepoConfig{HasEnterprise: true}, true))
}

// TestRepositoryStatusCephOnlyIsNoProductRepository covers the case
// original_source's check_repository_status handles specially: a remote
// with only a Ceph repo handle enabled and nothing else has no plain
// product repo, so it reports NoProductRepository regardless of
// subscription state, not MissingSubscriptionForEnterprise.
func TestRepositoryStatusCephOnlyIsNoProductRepository(t *testing.T) {
	status := CheckRepositoryStatus(RepoConfig{HasCephEnterprise: true}, false)
	require.Equal(t, types.RepoStatusNoProductRepository, status)
}

func TestRefreshPersistsPerRemoteSummary(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "remote-updates.json"))
	f := fetcher.New(fetcher.DefaultMaxConnections, fetcher.DefaultMaxConnectionsPerRemote)

	remotes := []types.Remote{{ID: "pve1", Type: types.RemoteTypeHypervisor}}
	listNodes := func(ctx context.Context, remote types.Remote) ([]string, error) {
		return []string{"node-a"}, nil
	}
	query := func(ctx context.Context, remote types.Remote, node string) (*types.NodeUpdateSummary, error) {
		return &types.NodeUpdateSummary{
			NumberOfUpdates:  3,
			RepositoryStatus: types.RepoStatusOk,
		}, nil
	}

	require.NoError(t, Refresh(context.Background(), cache, f, remotes, listNodes, query))

	summary, err := cache.Load()
	require.NoError(t, err)
	require.Equal(t, types.NodeUpdateStatusSuccess, summary.Remotes["pve1"].Status)
	require.Equal(t, 3, summary.Remotes["pve1"].Nodes["node-a"].NumberOfUpdates)
}
