package updates

import (
	"context"
	"time"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/fetcher"
)

// NodeQuery fetches one node's raw update state from its remote.
type NodeQuery func(ctx context.Context, remote types.Remote, node string) (*types.NodeUpdateSummary, error)

// NodeLister resolves the nodes to query for a remote, identical in shape
// to fetcher.NodeLister so callers can share one implementation across C5
// consumers.
type NodeLister = fetcher.NodeLister

// Refresh runs query across every remote and node via f, building and
// persisting one RemoteUpdateSummary per remote. Per-node failures are
// recorded as NodeUpdateStatusError entries rather than aborting the whole
// remote's refresh.
func Refresh(ctx context.Context, cache *Cache, f *fetcher.Fetcher, remotes []types.Remote, listNodes NodeLister, query NodeQuery) error {
	results := fetcher.DoForAllRemoteNodes(ctx, f, remotes, listNodes,
		func(ctx context.Context, remote types.Remote, node string) (*types.NodeUpdateSummary, error) {
			return query(ctx, remote, node)
		})

	byID := make(map[string]types.Remote, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
	}

	for id, remoteResult := range results.RemoteResults {
		remote := byID[id]
		summary := &types.RemoteUpdateSummary{
			RemoteType: remote.Type,
			Nodes:      make(map[string]*types.NodeUpdateSummary),
		}
		if !remoteResult.Ok() {
			summary.Status = types.NodeUpdateStatusError
			if err := cache.SetRemote(id, summary); err != nil {
				return err
			}
			continue
		}
		summary.Status = types.NodeUpdateStatusSuccess
		for node, nodeResult := range remoteResult.Value.NodeResults {
			if !nodeResult.Ok() {
				summary.Nodes[node] = &types.NodeUpdateSummary{
					Status:        types.NodeUpdateStatusError,
					StatusMessage: nodeResult.Err.Error(),
					LastRefresh:   time.Now().Unix(),
				}
				continue
			}
			entry := nodeResult.Value.Data
			entry.Status = types.NodeUpdateStatusSuccess
			entry.LastRefresh = time.Now().Unix()
			summary.Nodes[node] = entry
		}
		if err := cache.SetRemote(id, summary); err != nil {
			return err
		}
	}
	return nil
}
