// Package updates implements the remote update summary cache (C7):
// per-(remote,node) apt state, refreshed through the parallel fetcher and
// persisted as JSON.
package updates

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// RepoConfig is the raw per-node repository configuration read from a
// remote, the input to CheckRepositoryStatus.
type RepoConfig struct {
	Errors []string

	// Enabled standard repository handles. Exactly which handles map to
	// which flag is remote-type specific and resolved by the caller before
	// building this struct; the three-way split (enterprise / test-or-
	// no-subscription / ceph variants) is all CheckRepositoryStatus needs.
	HasEnterprise     bool
	HasNoSubscription bool
	HasTest           bool
	HasCephEnterprise bool
	HasCephNoSubscription bool
	HasCephTest       bool
}

// CheckRepositoryStatus implements the precedence confirmed against
// original_source's check_repository_status: errors first, then "no
// recognized product repo enabled", then enterprise-without-subscription,
// then test/no-subscription, else Ok. This order differs from a literal
// reading of the distilled specification, which lists
// MissingSubscriptionForEnterprise before NoProductRepository; the
// original source checks "no product repo" first, and this implementation
// follows the original.
func CheckRepositoryStatus(cfg RepoConfig, activeSubscription bool) types.RepositoryStatus {
	if len(cfg.Errors) > 0 {
		return types.RepoStatusError
	}

	// Deliberately excludes the Ceph handles: a remote with only a Ceph repo
	// enabled and no plain product repo still reports NoProductRepository.
	if !(cfg.HasEnterprise || cfg.HasNoSubscription || cfg.HasTest) {
		return types.RepoStatusNoProductRepository
	}

	if cfg.HasEnterprise && !activeSubscription {
		return types.RepoStatusMissingSubscriptionForEnterprise
	}
	if cfg.HasCephEnterprise && !activeSubscription {
		return types.RepoStatusMissingSubscriptionForEnterprise
	}

	if cfg.HasTest || cfg.HasNoSubscription {
		return types.RepoStatusNonProductionReady
	}
	if cfg.HasCephNoSubscription || cfg.HasCephTest {
		return types.RepoStatusNonProductionReady
	}

	return types.RepoStatusOk
}

// Cache is the lock-protected persisted update summary store.
type Cache struct {
	path string

	mu      sync.Mutex
	summary *types.UpdateSummary
}

// NewCache returns a cache backed by the JSON file at path.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Load reads the persisted summary from disk, returning an empty one if it
// does not exist yet.
func (c *Cache) Load() (*types.UpdateSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summary != nil {
		return c.summary, nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.summary = &types.UpdateSummary{Remotes: make(map[string]*types.RemoteUpdateSummary)}
			return c.summary, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	summary := &types.UpdateSummary{}
	if err := json.Unmarshal(raw, summary); err != nil {
		return nil, trace.Wrap(err, "parsing remote update summary")
	}
	if summary.Remotes == nil {
		summary.Remotes = make(map[string]*types.RemoteUpdateSummary)
	}
	c.summary = summary
	return c.summary, nil
}

// SetRemote replaces a remote's entry wholesale (the shape a refresh cycle
// naturally produces: one full RemoteUpdateSummary per remote) and
// persists immediately.
func (c *Cache) SetRemote(id string, summary *types.RemoteUpdateSummary) error {
	c.mu.Lock()
	if c.summary == nil {
		c.summary = &types.UpdateSummary{Remotes: make(map[string]*types.RemoteUpdateSummary)}
	}
	c.summary.Remotes[id] = summary
	doc := c.summary
	c.mu.Unlock()
	return c.save(doc)
}

func (c *Cache) save(doc *types.UpdateSummary) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}
