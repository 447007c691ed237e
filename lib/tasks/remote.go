package tasks

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/fetcher"
	"github.com/zmb3/pdm/lib/remoteupid"
)

// TaskLister lists the recent native tasks on a single remote node, already
// wrapped as RemoteUpids.
type TaskLister func(ctx context.Context, remote types.Remote, node string) ([]types.WorkerTask, error)

// TaskStatusFetcher fetches the current status of a single native task.
type TaskStatusFetcher func(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) (types.WorkerTask, error)

// TaskLogReader streams a native task's log lines.
type TaskLogReader func(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) ([]string, error)

// Proxy fronts every remote's native task API with a single surface keyed
// by RemoteUpid, fanning list_tasks calls out across remotes and nodes via
// the shared fetcher.
type Proxy struct {
	f         *fetcher.Fetcher
	list      TaskLister
	status    TaskStatusFetcher
	log       TaskLogReader
	listNodes fetcher.NodeLister
}

// NewProxy wires a remote task proxy.
func NewProxy(f *fetcher.Fetcher, listNodes fetcher.NodeLister, list TaskLister, status TaskStatusFetcher, log TaskLogReader) *Proxy {
	return &Proxy{f: f, list: list, status: status, log: log, listNodes: listNodes}
}

// ListTasks fans out to every node of every remote and returns each node's
// recent tasks, already identified by RemoteUpid, isolating per-node
// failures the way every other fetcher-backed operation does.
func (p *Proxy) ListTasks(ctx context.Context, remotes []types.Remote) fetcher.FetchResults[[]types.WorkerTask] {
	byID := make(map[string]types.Remote, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
	}
	return fetcher.DoForAllRemoteNodes(ctx, p.f, remotes, p.listNodes, func(ctx context.Context, remote types.Remote, node string) ([]types.WorkerTask, error) {
		return p.list(ctx, remote, node)
	})
}

// TaskStatus resolves a single task's status by parsing its RemoteUpid and
// dispatching to the remote it names.
func (p *Proxy) TaskStatus(ctx context.Context, remotes map[string]types.Remote, upidStr string) (types.WorkerTask, error) {
	upid, err := remoteupid.Parse(upidStr)
	if err != nil {
		return types.WorkerTask{}, trace.Wrap(err)
	}
	remote, ok := remotes[upid.Remote()]
	if !ok {
		return types.WorkerTask{}, trace.NotFound("remote %q not found", upid.Remote())
	}
	return p.status(ctx, remote, upid)
}

// TaskLog resolves a task's log lines the same way TaskStatus resolves its
// status.
func (p *Proxy) TaskLog(ctx context.Context, remotes map[string]types.Remote, upidStr string) ([]string, error) {
	upid, err := remoteupid.Parse(upidStr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	remote, ok := remotes[upid.Remote()]
	if !ok {
		return nil, trace.NotFound("remote %q not found", upid.Remote())
	}
	return p.log(ctx, remote, upid)
}
