package tasks

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/fetcher"
	"github.com/zmb3/pdm/lib/remoteupid"
)

func listNodesFake(ctx context.Context, remote types.Remote) ([]string, error) {
	var names []string
	for _, n := range remote.Nodes {
		names = append(names, n.Hostname)
	}
	return names, nil
}

func TestListTasksFansOutAcrossRemotesAndNodes(t *testing.T) {
	remotes := []types.Remote{
		{ID: "pve1", Type: types.RemoteTypeHypervisor, Nodes: []types.NodeUrl{{Hostname: "nodeA"}, {Hostname: "nodeB"}}},
	}
	list := func(ctx context.Context, remote types.Remote, node string) ([]types.WorkerTask, error) {
		return []types.WorkerTask{{UPID: "UPID:pve:1:1:1:qmstart::root@pam:", WorkerType: "qmstart"}}, nil
	}
	p := NewProxy(fetcher.New(0, 0), listNodesFake, list, nil, nil)

	out := p.ListTasks(context.Background(), remotes)
	result := out.RemoteResults["pve1"]
	require.True(t, result.Ok())
	require.Len(t, result.Value.NodeResults, 2)
	require.True(t, result.Value.NodeResults["nodeA"].Ok())
}

func TestTaskStatusResolvesByRemoteUpid(t *testing.T) {
	remotes := map[string]types.Remote{
		"pve1": {ID: "pve1", Type: types.RemoteTypeHypervisor},
	}
	status := func(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) (types.WorkerTask, error) {
		require.Equal(t, "pve1", remote.ID)
		return types.WorkerTask{UPID: upid.String(), Status: types.WorkerOK}, nil
	}
	p := NewProxy(fetcher.New(0, 0), listNodesFake, nil, status, nil)

	task, err := p.TaskStatus(context.Background(), remotes, "hypervisor:pve1!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.NoError(t, err)
	require.Equal(t, types.WorkerOK, task.Status)
}

func TestTaskStatusUnknownRemote(t *testing.T) {
	remotes := map[string]types.Remote{}
	p := NewProxy(fetcher.New(0, 0), listNodesFake, nil, nil, nil)

	_, err := p.TaskStatus(context.Background(), remotes, "hypervisor:pve1!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.True(t, trace.IsNotFound(err))
}

func TestTaskLogResolvesByRemoteUpid(t *testing.T) {
	remotes := map[string]types.Remote{
		"pbs1": {ID: "pbs1", Type: types.RemoteTypeBackup},
	}
	logReader := func(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) ([]string, error) {
		return []string{"line one", "line two"}, nil
	}
	p := NewProxy(fetcher.New(0, 0), listNodesFake, nil, nil, logReader)

	lines, err := p.TaskLog(context.Background(), remotes, "backup:pbs1!UPID:pbs:000002B2:00000158:00000000:674D828C:logrotate::root@pam:")
	require.NoError(t, err)
	require.Equal(t, []string{"line one", "line two"}, lines)
}
