// Package native implements the thin native-API clients that back the
// fetcher-, task- and migration-facing function types: it turns a
// connection.Client's raw JSON responses into this module's own task,
// resource and node shapes.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/connection"
	"github.com/zmb3/pdm/lib/discovery"
	"github.com/zmb3/pdm/lib/metrics"
	"github.com/zmb3/pdm/lib/migration"
	"github.com/zmb3/pdm/lib/remoteupid"
	"github.com/zmb3/pdm/lib/updates"
	"github.com/zmb3/pdm/lib/web"
)

var (
	_ discovery.ClusterStatusQuery = (*PVE)(nil).ClusterStatus
	_ updates.NodeQuery            = (*PVE)(nil).NodeUpdates
	_ metrics.Exporter             = (*PVE)(nil).Metrics
)

// PVE wraps a connection factory with the hypervisor-cluster-specific
// native API calls this module needs: node discovery, task listing, guest
// migration, and cluster resource listing.
type PVE struct {
	factory *connection.Factory
}

// NewPVE returns a native hypervisor-cluster client built on factory.
func NewPVE(factory *connection.Factory) *PVE {
	return &PVE{factory: factory}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func (p *PVE) get(ctx context.Context, remote types.Remote, path string, params map[string]string, out interface{}) error {
	client, err := p.factory.MakeClient(remote)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := client.Get(ctx, path, params)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(resp.Bytes(), out); err != nil {
		return trace.BadParameter("malformed response from remote %q: %v", remote.ID, err)
	}
	return nil
}

// ListNodes implements fetcher.NodeLister for hypervisor remotes: it asks
// the cluster for its member node names.
func (p *PVE) ListNodes(ctx context.Context, remote types.Remote) ([]string, error) {
	var env envelope[[]struct {
		Node string `json:"node"`
	}]
	if err := p.get(ctx, remote, "/api2/json/nodes", nil, &env); err != nil {
		return nil, trace.Wrap(err)
	}
	nodes := make([]string, 0, len(env.Data))
	for _, n := range env.Data {
		nodes = append(nodes, n.Node)
	}
	return nodes, nil
}

type nativeTask struct {
	UPID      string `json:"upid"`
	Status    string `json:"status"`
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"starttime"`
	EndTime   int64  `json:"endtime,omitempty"`
}

func (t nativeTask) toWorkerTask(remote types.Remote) (types.WorkerTask, error) {
	upid, err := remoteupid.New(remote.Type, remote.ID, t.UPID)
	if err != nil {
		return types.WorkerTask{}, trace.Wrap(err)
	}
	status := types.WorkerRunning
	switch t.Status {
	case "OK":
		status = types.WorkerOK
	case "":
	default:
		status = types.WorkerError
	}
	return types.WorkerTask{
		UPID:       upid.String(),
		WorkerType: t.Type,
		User:       t.User,
		Status:     status,
		StatusMsg:  t.Status,
		StartedAt:  t.StartTime,
		EndedAt:    t.EndTime,
	}, nil
}

// ListTasks implements tasks.TaskLister: the node's recent task list.
func (p *PVE) ListTasks(ctx context.Context, remote types.Remote, node string) ([]types.WorkerTask, error) {
	var env envelope[[]nativeTask]
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks", node)
	if err := p.get(ctx, remote, path, map[string]string{"limit": "100"}, &env); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.WorkerTask, 0, len(env.Data))
	for _, t := range env.Data {
		wt, err := t.toWorkerTask(remote)
		if err != nil {
			continue
		}
		out = append(out, wt)
	}
	return out, nil
}

// TaskStatus implements tasks.TaskStatusFetcher.
func (p *PVE) TaskStatus(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) (types.WorkerTask, error) {
	node, err := taskNode(upid.Native())
	if err != nil {
		return types.WorkerTask{}, trace.Wrap(err)
	}
	var env envelope[nativeTask]
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, upid.Native())
	if err := p.get(ctx, remote, path, nil, &env); err != nil {
		return types.WorkerTask{}, trace.Wrap(err)
	}
	env.Data.UPID = upid.Native()
	return env.Data.toWorkerTask(remote)
}

// TaskLog implements tasks.TaskLogReader.
func (p *PVE) TaskLog(ctx context.Context, remote types.Remote, upid remoteupid.RemoteUpid) ([]string, error) {
	node, err := taskNode(upid.Native())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var env envelope[[]struct {
		Line string `json:"t"`
	}]
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/log", node, upid.Native())
	if err := p.get(ctx, remote, path, nil, &env); err != nil {
		return nil, trace.Wrap(err)
	}
	lines := make([]string, 0, len(env.Data))
	for _, l := range env.Data {
		lines = append(lines, l.Line)
	}
	return lines, nil
}

// taskNode extracts the originating node name from a native PVE UPID
// (its second colon-delimited field).
func taskNode(native string) (string, error) {
	parts := splitColon(native)
	if len(parts) < 2 {
		return "", trace.BadParameter("malformed native upid %q", native)
	}
	return parts[1], nil
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Resources implements web.ResourceFetcher: the cluster's resource list
// (guests, nodes, storages) tagged for search.
func (p *PVE) Resources(ctx context.Context, remote types.Remote) ([]web.Resource, error) {
	var env envelope[[]struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Node   string `json:"node,omitempty"`
		Name   string `json:"name,omitempty"`
		Status string `json:"status,omitempty"`
		Pool   string `json:"pool,omitempty"`
	}]
	if err := p.get(ctx, remote, "/api2/json/cluster/resources", nil, &env); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]web.Resource, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, web.Resource{
			Remote: remote.ID,
			ID:     r.ID,
			Kind:   r.Type,
			Tags: map[string]string{
				"node": r.Node,
				"pool": r.Pool,
			},
			FreeText: r.Name + " " + r.Status,
		})
	}
	return out, nil
}

// Metrics implements metrics.Exporter: the cluster's exported RRD samples
// newer than start, regrouped from the flat (id, metric, timestamp, value)
// rows the native endpoint returns into one RrdDataPoint per timestamp.
func (p *PVE) Metrics(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error) {
	var env envelope[struct {
		Data []struct {
			ID        string  `json:"id"`
			Metric    string  `json:"metric"`
			Timestamp int64   `json:"timestamp"`
			Value     float64 `json:"value"`
		} `json:"data"`
	}]
	params := map[string]string{"start-time": fmt.Sprintf("%d", start)}
	if err := p.get(ctx, remote, "/api2/json/cluster/metrics/export", params, &env); err != nil {
		return nil, trace.Wrap(err)
	}

	byTimestamp := make(map[int64]map[string]float64)
	var order []int64
	for _, row := range env.Data.Data {
		if row.Timestamp <= start {
			continue
		}
		values, ok := byTimestamp[row.Timestamp]
		if !ok {
			values = make(map[string]float64)
			byTimestamp[row.Timestamp] = values
			order = append(order, row.Timestamp)
		}
		values[row.ID+"/"+row.Metric] = row.Value
	}

	out := make([]types.RrdDataPoint, 0, len(order))
	for _, ts := range order {
		out = append(out, types.RrdDataPoint{Timestamp: ts, Values: byTimestamp[ts]})
	}
	return out, nil
}

var _ migration.NativeCaller = (*PVE)(nil)

// Migrate implements migration.NativeCaller for intra-remote migrations.
func (p *PVE) Migrate(ctx context.Context, remote types.Remote, vmid, targetNode string, mapping migration.Mapping) (string, error) {
	client, err := p.factory.MakeClient(remote)
	if err != nil {
		return "", trace.Wrap(err)
	}
	node, err := firstNode(ctx, p, remote)
	if err != nil {
		return "", trace.Wrap(err)
	}
	params := map[string]string{"target": targetNode}
	if rendered := mapping.Render(); rendered != "" {
		params["map-storage"] = rendered
	}
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%s/migrate", node, vmid)
	resp, err := client.Get(ctx, path, params)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var env envelope[string]
	if err := json.Unmarshal(resp.Bytes(), &env); err != nil {
		return "", trace.BadParameter("malformed migrate response from remote %q: %v", remote.ID, err)
	}
	return env.Data, nil
}

// RemoteMigrate implements migration.NativeCaller for cross-remote
// migrations, passing the connection spec built by the orchestrator.
func (p *PVE) RemoteMigrate(ctx context.Context, remote types.Remote, vmid, connectionSpec string, mapping migration.Mapping) (string, error) {
	client, err := p.factory.MakeClient(remote)
	if err != nil {
		return "", trace.Wrap(err)
	}
	node, err := firstNode(ctx, p, remote)
	if err != nil {
		return "", trace.Wrap(err)
	}
	params := map[string]string{"target-endpoint": connectionSpec}
	if rendered := mapping.Render(); rendered != "" {
		params["map-storage"] = rendered
	}
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%s/remote_migrate", node, vmid)
	resp, err := client.Get(ctx, path, params)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var env envelope[string]
	if err := json.Unmarshal(resp.Bytes(), &env); err != nil {
		return "", trace.BadParameter("malformed remote-migrate response from remote %q: %v", remote.ID, err)
	}
	return env.Data, nil
}

// ClusterStatus implements discovery.ClusterStatusQuery: it asks hostname
// directly (rather than any node already believed to be in the cluster)
// which node name the host itself reports as local, by looking for the
// cluster-status entry with "local": true.
func (p *PVE) ClusterStatus(ctx context.Context, remote types.Remote, hostname string) (string, error) {
	client, err := p.factory.MakeClientWithEndpoint(remote, hostname)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := client.Get(ctx, "/api2/json/cluster/status", nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var env envelope[[]struct {
		Type string `json:"type"`
		Name string `json:"name"`
		Local int   `json:"local,omitempty"`
	}]
	if err := json.Unmarshal(resp.Bytes(), &env); err != nil {
		return "", trace.BadParameter("malformed cluster-status response from %q: %v", hostname, err)
	}
	for _, entry := range env.Data {
		if entry.Type == "node" && entry.Local != 0 {
			return entry.Name, nil
		}
	}
	return "", trace.NotFound("host %q did not report a local node entry", hostname)
}

// NodeUpdates implements updates.NodeQuery: it reads a node's available
// apt package updates, classifying repository health from the presence of
// enterprise/no-subscription repositories in the raw listing.
func (p *PVE) NodeUpdates(ctx context.Context, remote types.Remote, node string) (*types.NodeUpdateSummary, error) {
	var env envelope[[]struct {
		Package    string `json:"Package"`
		OldVersion string `json:"OldVersion"`
		Version    string `json:"Version"`
	}]
	path := fmt.Sprintf("/api2/json/nodes/%s/apt/update", node)
	if err := p.get(ctx, remote, path, nil, &env); err != nil {
		return nil, trace.Wrap(err)
	}

	versions := make([]types.PackageVersion, 0, len(env.Data))
	for _, v := range env.Data {
		versions = append(versions, types.PackageVersion{
			Package:    v.Package,
			OldVersion: v.OldVersion,
			Version:    v.Version,
		})
	}

	repoStatus, err := p.repositoryStatus(ctx, remote, node)
	if err != nil {
		repoStatus = types.RepoStatusError
	}

	return &types.NodeUpdateSummary{
		NumberOfUpdates:  len(versions),
		Versions:         versions,
		RepositoryStatus: repoStatus,
	}, nil
}

func (p *PVE) repositoryStatus(ctx context.Context, remote types.Remote, node string) (types.RepositoryStatus, error) {
	var env envelope[[]struct {
		Path    string `json:"path"`
		Enabled int    `json:"enabled"`
	}]
	path := fmt.Sprintf("/api2/json/nodes/%s/apt/repositories", node)
	if err := p.get(ctx, remote, path, nil, &env); err != nil {
		return "", trace.Wrap(err)
	}

	sawEnterprise, sawNoSubscription := false, false
	for _, r := range env.Data {
		if r.Enabled == 0 {
			continue
		}
		switch {
		case strings.Contains(r.Path, "enterprise"):
			sawEnterprise = true
		case strings.Contains(r.Path, "no-subscription") || strings.Contains(r.Path, "pvetest"):
			sawNoSubscription = true
		}
	}
	switch {
	case sawEnterprise:
		return types.RepoStatusOk, nil
	case sawNoSubscription:
		return types.RepoStatusNonProductionReady, nil
	default:
		return types.RepoStatusNoProductRepository, nil
	}
}

func firstNode(ctx context.Context, p *PVE, remote types.Remote) (string, error) {
	nodes, err := p.ListNodes(ctx, remote)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(nodes) == 0 {
		return "", trace.NotFound("remote %q has no nodes", remote.ID)
	}
	return nodes[0], nil
}
