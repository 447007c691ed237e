// Package faketest generates a synthetic fleet of remotes, guests, nodes
// and storages for load and scale testing, modeled on the scale-testing
// fake-remote support used to drive Scenario S6 (metrics collection
// keeping pace with a large fleet) without a live hypervisor cluster.
package faketest

import (
	"context"
	"fmt"
	"time"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/web"
)

// Config sizes the synthetic fleet. All counts are per remote.
type Config struct {
	NrOfRemotes       int
	VMsPerRemote      int
	CTsPerRemote      int
	NodesPerRemote    int
	StoragesPerRemote int
	APIDelay          time.Duration
}

// Cluster serves resource listings and metrics for a fleet generated from
// Config, standing in for a population of real hypervisor clusters.
type Cluster struct {
	cfg Config
}

// New returns a Cluster for cfg. Zero-valued counts are treated as zero,
// not as "unset"; callers wanting a non-trivial fleet must size every
// field explicitly.
func New(cfg Config) *Cluster {
	return &Cluster{cfg: cfg}
}

// Remotes returns the fleet's remotes, named pve-0..pve-<n-1>, each with
// one placeholder node so they pass types.Remote.CheckAndSetDefaults.
func (c *Cluster) Remotes() []types.Remote {
	remotes := make([]types.Remote, 0, c.cfg.NrOfRemotes)
	for i := 0; i < c.cfg.NrOfRemotes; i++ {
		name := fmt.Sprintf("pve-%d", i)
		remotes = append(remotes, types.Remote{
			ID:     name,
			Type:   types.RemoteTypeHypervisor,
			AuthID: "root@pam",
			Nodes:  []types.NodeUrl{{Hostname: fmt.Sprintf("%s.fake", name)}},
		})
	}
	return remotes
}

// Resources implements web.ResourceFetcher: it synthesizes the VMs, CTs,
// nodes and storages configured for the fleet, after sleeping APIDelay to
// model a slow remote.
func (c *Cluster) Resources(ctx context.Context, remote types.Remote) ([]web.Resource, error) {
	if err := sleep(ctx, c.cfg.APIDelay); err != nil {
		return nil, err
	}

	var out []web.Resource
	vmid := 100
	for i := 0; i < c.cfg.VMsPerRemote; i++ {
		vmid++
		out = append(out, web.Resource{
			Remote: remote.ID,
			ID:     fmt.Sprintf("qemu/%d", vmid),
			Kind:   "qemu",
			Tags:   map[string]string{"node": nodeName(vmid, c.cfg.NodesPerRemote)},
		})
	}
	for i := 0; i < c.cfg.CTsPerRemote; i++ {
		vmid++
		out = append(out, web.Resource{
			Remote: remote.ID,
			ID:     fmt.Sprintf("lxc/%d", vmid),
			Kind:   "lxc",
			Tags:   map[string]string{"node": nodeName(vmid, c.cfg.NodesPerRemote)},
		})
	}
	for i := 0; i < c.cfg.NodesPerRemote; i++ {
		out = append(out, web.Resource{
			Remote: remote.ID,
			ID:     fmt.Sprintf("node/node-%d", i),
			Kind:   "node",
		})
	}
	for i := 0; i < c.cfg.StoragesPerRemote; i++ {
		out = append(out, web.Resource{
			Remote: remote.ID,
			ID:     fmt.Sprintf("storage/node-0/storage-%d", i),
			Kind:   "storage",
		})
	}
	return out, nil
}

// Metrics implements lib/metrics.Exporter: ten-second-cadence gauge
// samples per guest/node/storage from start up to the current wall-clock
// time.
func (c *Cluster) Metrics(ctx context.Context, remote types.Remote, start int64) ([]types.RrdDataPoint, error) {
	if err := sleep(ctx, c.cfg.APIDelay); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	ids := c.metricIDs(remote)
	var out []types.RrdDataPoint
	for ts := start + 10; ts <= now; ts += 10 {
		values := make(map[string]float64, len(ids))
		for _, id := range ids {
			values[id] = 10.0
		}
		out = append(out, types.RrdDataPoint{Timestamp: ts, Values: values})
	}
	return out, nil
}

func (c *Cluster) metricIDs(remote types.Remote) []string {
	var ids []string
	for i := 0; i < c.cfg.NodesPerRemote; i++ {
		ids = append(ids, fmt.Sprintf("node/node-%d/cpu_current", i))
	}
	vmid := 100
	for i := 0; i < c.cfg.VMsPerRemote; i++ {
		vmid++
		ids = append(ids, fmt.Sprintf("qemu/%d/cpu_current", vmid))
	}
	for i := 0; i < c.cfg.StoragesPerRemote; i++ {
		ids = append(ids, fmt.Sprintf("storage/node-0/storage-%d/disk_used", i))
	}
	return ids
}

func nodeName(vmid, nodeCount int) string {
	if nodeCount == 0 {
		return ""
	}
	return fmt.Sprintf("node-%d", vmid%nodeCount)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
