// Package discovery implements the node-name discovery task (C9): it
// periodically reconciles remotes.cfg against the remote-node cache and
// queries each hypervisor remote's hosts to learn their canonical node
// names.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/remotecache"
	"github.com/zmb3/pdm/lib/scheduler"
)

// ConfigPollInterval mirrors CONFIG_POLL_INTERVAL from the specification.
const ConfigPollInterval = 60 * time.Second

// ClusterStatusQuery asks a single host for its cluster status and returns
// the node name the host itself reports as "local", or an error if the
// host could not be reached.
type ClusterStatusQuery func(ctx context.Context, remote types.Remote, hostname string) (nodeName string, err error)

// Lister reads the current remotes.cfg snapshot, returning the remotes and
// a digest that changes whenever the file's content changes.
type Lister func() ([]types.Remote, string, error)

// Task is the node-name discovery task.
type Task struct {
	list  Lister
	cache *remotecache.Cache
	query ClusterStatusQuery
	clock clockwork.Clock
	log   *log.Entry

	mu         sync.Mutex
	lastDigest string
	cancelPrev context.CancelFunc
}

// New wires a discovery task.
func New(list Lister, cache *remotecache.Cache, query ClusterStatusQuery, clock clockwork.Clock) *Task {
	return &Task{
		list:  list,
		cache: cache,
		query: query,
		clock: clock,
		log:   log.WithField(trace.Component, "discovery"),
	}
}

// Run drives the minute-aligned poll loop (C15) until ctx is cancelled.
// ConfigPollInterval matches the C15 primitive's own cadence exactly, so
// every wakeup is a tick.
func (t *Task) Run(ctx context.Context) {
	scheduler.Run(ctx, t.clock, "discovery", t.tick)

	t.mu.Lock()
	if t.cancelPrev != nil {
		t.cancelPrev()
	}
	t.mu.Unlock()
}

func (t *Task) tick(ctx context.Context) {
	remotes, digest, err := t.list()
	if err != nil {
		t.log.WithError(err).Warn("failed to read remotes.cfg")
		return
	}

	t.mu.Lock()
	unchanged := digest == t.lastDigest && t.lastDigest != ""
	stillRunning := t.cancelPrev != nil
	t.mu.Unlock()

	if unchanged && stillRunning {
		return
	}

	t.mu.Lock()
	if t.cancelPrev != nil {
		t.cancelPrev()
	}
	t.lastDigest = digest
	queryCtx, cancel := context.WithCancel(ctx)
	t.cancelPrev = cancel
	t.mu.Unlock()

	if err := t.reconcile(remotes); err != nil {
		t.log.WithError(err).Warn("failed to reconcile remote mapping cache")
	}

	go func() {
		t.runQuery(queryCtx, remotes)
		t.mu.Lock()
		// A query that was not cancelled by a newer tick is still the one
		// recorded in cancelPrev; clear it so the next tick starts a new one.
		if queryCtx.Err() == nil {
			t.cancelPrev = nil
		}
		t.mu.Unlock()
		cancel()
	}()
}

// reconcile prunes remotes/hosts absent from remotes.cfg and ensures every
// configured host has a HostInfo entry.
func (t *Task) reconcile(remotes []types.Remote) error {
	guard, err := t.cache.Write()
	if err != nil {
		return trace.Wrap(err)
	}

	keep := make(map[string]map[string]bool, len(remotes))
	for _, r := range remotes {
		hosts := make(map[string]bool, len(r.Nodes))
		for _, n := range r.Nodes {
			hosts[n.Hostname] = true
		}
		keep[r.ID] = hosts

		mapping := ensureMapping(guard.Data, r.ID, r.Type)
		for _, n := range r.Nodes {
			if _, ok := mapping.Hosts[n.Hostname]; !ok {
				mapping.Hosts[n.Hostname] = types.HostInfo{Hostname: n.Hostname}
			}
		}
	}
	pruneAbsent(guard.Data, keep)

	return guard.Save()
}

func ensureMapping(cache *types.RemoteMappingCache, id string, ty types.RemoteType) *types.RemoteMapping {
	m, ok := cache.Remotes[id]
	if !ok {
		m = types.NewRemoteMapping(ty)
		cache.Remotes[id] = m
	}
	return m
}

func pruneAbsent(cache *types.RemoteMappingCache, keep map[string]map[string]bool) {
	for id := range cache.Remotes {
		hosts, ok := keep[id]
		if !ok {
			delete(cache.Remotes, id)
			continue
		}
		mapping := cache.Remotes[id]
		for hostname, info := range mapping.Hosts {
			if hosts[hostname] {
				continue
			}
			if info.NodeName != "" {
				delete(mapping.NodeToHost, info.NodeName)
			}
			delete(mapping.Hosts, hostname)
		}
	}
}

// runQuery queries every hypervisor remote's hosts for their canonical
// node name, recording reachability and node name in the cache. Backup
// remotes have no cluster-status concept and are skipped (they have a
// single logical "localhost" node that never needs discovery).
func (t *Task) runQuery(ctx context.Context, remotes []types.Remote) {
	var wg sync.WaitGroup
	for _, r := range remotes {
		if r.Type != types.RemoteTypeHypervisor {
			continue
		}
		for _, node := range r.Nodes {
			wg.Add(1)
			go func(remote types.Remote, hostname string) {
				defer wg.Done()
				t.queryOne(ctx, remote, hostname)
			}(r, node.Hostname)
		}
	}
	wg.Wait()
}

func (t *Task) queryOne(ctx context.Context, remote types.Remote, hostname string) {
	nodeName, err := t.query(ctx, remote, hostname)

	guard, gerr := t.cache.Write()
	if gerr != nil {
		t.log.WithError(gerr).Warn("failed to acquire remote mapping cache for write")
		return
	}
	mapping := ensureMapping(guard.Data, remote.ID, remote.Type)
	if err != nil {
		mapping.MarkReachable(hostname, false)
		t.log.WithError(err).WithField("host", hostname).Debug("cluster-status query failed")
	} else {
		mapping.MarkReachable(hostname, true)
		mapping.SetNodeName(hostname, nodeName)
	}
	if err := guard.Save(); err != nil {
		t.log.WithError(err).Warn("failed to save remote mapping cache")
	}
}
