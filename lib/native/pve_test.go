package native

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/connection"
)

func newPinnedRemote(t *testing.T, srv *httptest.Server) types.Remote {
	t.Helper()
	sum := sha256.Sum256(srv.Certificate().Raw)
	hostname := strings.TrimPrefix(srv.URL, "https://")
	return types.Remote{
		ID:     "pve1",
		Type:   types.RemoteTypeHypervisor,
		AuthID: "root@pam",
		Token:  "secret",
		Nodes:  []types.NodeUrl{{Hostname: hostname, Fingerprint: hex.EncodeToString(sum[:])}},
	}
}

func newPVE(t *testing.T) *PVE {
	t.Helper()
	factory, err := connection.NewFactory(8)
	require.NoError(t, err)
	return NewPVE(factory)
}

func TestListNodes(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api2/json/nodes", r.URL.Path)
		w.Write([]byte(`{"data":[{"node":"node-a"},{"node":"node-b"}]}`))
	}))
	defer srv.Close()

	p := newPVE(t)
	nodes, err := p.ListNodes(context.Background(), newPinnedRemote(t, srv))
	require.NoError(t, err)
	require.Equal(t, []string{"node-a", "node-b"}, nodes)
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"upid":"UPID:node-a:00001234:00005678:00000000:qmstart:100:root@pam:","status":"OK","type":"qmstart","user":"root@pam","starttime":100}]}`))
	}))
	defer srv.Close()

	p := newPVE(t)
	remote := newPinnedRemote(t, srv)
	tasks, err := p.ListTasks(context.Background(), remote, "node-a")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, types.WorkerOK, tasks[0].Status)
	require.Equal(t, "qmstart", tasks[0].WorkerType)
}

func TestResources(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"qemu/100","type":"qemu","node":"node-a","name":"vm-100","status":"running"}]}`))
	}))
	defer srv.Close()

	p := newPVE(t)
	resources, err := p.Resources(context.Background(), newPinnedRemote(t, srv))
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "qemu/100", resources[0].ID)
	require.Equal(t, "node-a", resources[0].Tags["node"])
}

func TestClusterStatusFindsLocalNode(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"type":"node","name":"node-a","local":0},{"type":"node","name":"node-b","local":1}]}`))
	}))
	defer srv.Close()

	p := newPVE(t)
	remote := newPinnedRemote(t, srv)
	name, err := p.ClusterStatus(context.Background(), remote, remote.Nodes[0].Hostname)
	require.NoError(t, err)
	require.Equal(t, "node-b", name)
}

func TestNodeUpdatesClassifiesRepositoryStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/apt/update"):
			w.Write([]byte(`{"data":[{"Package":"pve-manager","OldVersion":"8.0.0","Version":"8.0.1"}]}`))
		case strings.HasSuffix(r.URL.Path, "/apt/repositories"):
			w.Write([]byte(`{"data":[{"path":"deb https://enterprise.proxmox.com/debian/pve bookworm pve-enterprise","enabled":1}]}`))
		}
	}))
	defer srv.Close()

	p := newPVE(t)
	summary, err := p.NodeUpdates(context.Background(), newPinnedRemote(t, srv), "node-a")
	require.NoError(t, err)
	require.Equal(t, 1, summary.NumberOfUpdates)
	require.Equal(t, types.RepoStatusOk, summary.RepositoryStatus)
}

func TestMetricsGroupsRowsByTimestamp(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":[
			{"id":"node/node-a","metric":"cpu_current","timestamp":20,"value":0.5},
			{"id":"qemu/100","metric":"cpu_current","timestamp":20,"value":0.25},
			{"id":"node/node-a","metric":"cpu_current","timestamp":10,"value":0.1}
		]}}`))
	}))
	defer srv.Close()

	p := newPVE(t)
	points, err := p.Metrics(context.Background(), newPinnedRemote(t, srv), 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, int64(20), points[0].Timestamp)
	require.Equal(t, 0.5, points[0].Values["node/node-a/cpu_current"])
	require.Equal(t, 0.25, points[0].Values["qemu/100/cpu_current"])
}

func TestTaskNodeExtractsSecondField(t *testing.T) {
	node, err := taskNode("UPID:node-a:00001234:00005678:00000000:qmstart:100:root@pam:")
	require.NoError(t, err)
	require.Equal(t, "node-a", node)
}

func TestTaskNodeRejectsMalformed(t *testing.T) {
	_, err := taskNode("not-a-upid")
	require.Error(t, err)
}
