// Package remotecache implements the remote-node cache (C3): a persistent
// mapping from (remote, hostname) to canonical node name plus reachability,
// with a lock-free read path backed by a shared generation counter.
//
// The Rust source keeps this as a process-global
// Mutex<Option<{generation, Arc<cache>}>>; the Go translation is a
// sync.Mutex guarding a cached *types.RemoteMappingCache plus the
// generation it was loaded at, compared against a shared
// *scheduler.VersionCounter on every Get.
package remotecache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/scheduler"
)

const lockTimeout = 10 * time.Second

func timeoutContext() context.Context {
	ctx, _ := context.WithTimeout(context.Background(), lockTimeout) //nolint:lostcancel
	return ctx
}

// Cache is the lock-free-read, lock-on-write remote-node cache.
type Cache struct {
	path    string
	version *scheduler.VersionCounter

	mu         sync.Mutex
	generation int64
	data       *types.RemoteMappingCache
}

// New returns a cache backed by the JSON file at path, invalidated by
// version (typically a field shared with the node-name discovery task that
// bumps it after every write).
func New(path string, version *scheduler.VersionCounter) *Cache {
	return &Cache{path: path, version: version}
}

// Get returns the current cache contents. If the shared version has moved
// since the last load, it reloads from disk first; otherwise it returns the
// held copy without touching the filesystem.
func (c *Cache) Get() (*types.RemoteMappingCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.version.Load()
	if c.data != nil && c.generation == current {
		return c.data, nil
	}

	data, err := c.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.data = data
	c.generation = current
	return c.data, nil
}

func (c *Cache) load() (*types.RemoteMappingCache, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewRemoteMappingCache(), nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if len(raw) == 0 {
		return types.NewRemoteMappingCache(), nil
	}
	cache := types.NewRemoteMappingCache()
	if err := json.Unmarshal(raw, cache); err != nil {
		return nil, trace.Wrap(err, "parsing remote mapping cache")
	}
	if cache.Remotes == nil {
		cache.Remotes = make(map[string]*types.RemoteMapping)
	}
	return cache, nil
}

// WriteGuard holds the exclusive file lock across a read-modify-write
// cycle. Callers mutate Data in place and call Save to persist and bump
// the generation counter.
type WriteGuard struct {
	cache *Cache
	lock  *flock.Flock
	Data  *types.RemoteMappingCache
}

// Write acquires the exclusive lock and returns a mutable snapshot of the
// cache for editing.
func (c *Cache) Write() (*WriteGuard, error) {
	lock := flock.New(c.path + ".lock")
	locked, err := lock.TryLockContext(timeoutContext(), 50*time.Millisecond)
	if err != nil || !locked {
		return nil, trace.ConnectionProblem(err, "could not acquire remote mapping cache lock")
	}
	data, err := c.load()
	if err != nil {
		lock.Unlock()
		return nil, trace.Wrap(err)
	}
	return &WriteGuard{cache: c, lock: lock, Data: data}, nil
}

// Save persists Data atomically and bumps the shared generation counter so
// every reader's next Get observes the update.
func (g *WriteGuard) Save() error {
	defer g.lock.Unlock()

	raw, err := json.MarshalIndent(g.Data, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := atomicWrite(g.cache.path, raw); err != nil {
		return trace.Wrap(err)
	}

	g.cache.mu.Lock()
	g.cache.data = g.Data
	g.cache.generation = g.cache.version.Increment()
	g.cache.mu.Unlock()
	return nil
}

// Discard releases the lock without writing anything.
func (g *WriteGuard) Discard() {
	g.lock.Unlock()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}
