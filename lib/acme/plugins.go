package acme

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// Plugin is a single DNS-01 challenge provider configuration. Data carries
// provider-specific fields (API token, zone id, and so on) as opaque
// key/value pairs; Core plugins ship with this reimplementation and cannot
// be deleted.
type Plugin struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Core bool              `json:"core"`
	Data map[string]string `json:"data"`
}

// PluginStore persists the set of DNS-01 plugin configurations, with
// digest-based optimistic concurrency matching the ACL and remote
// directory stores.
type PluginStore struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewPluginStore wires a plugin store backed by path.
func NewPluginStore(path string) *PluginStore {
	return &PluginStore{path: path, lockPath: path + ".lock"}
}

func (s *PluginStore) load() (map[string]Plugin, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Plugin), nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if len(raw) == 0 {
		return make(map[string]Plugin), nil
	}
	var plugins map[string]Plugin
	if err := json.Unmarshal(raw, &plugins); err != nil {
		return nil, trace.Wrap(err, "parsing acme plugins")
	}
	return plugins, nil
}

func (s *PluginStore) save(plugins map[string]Plugin) error {
	raw, err := json.MarshalIndent(plugins, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
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
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Digest returns the current content digest, for UpdatePlugin's optimistic
// concurrency precondition.
func (s *PluginStore) Digest() (types.ConfigDigest, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ComputeDigest(nil), nil
		}
		return types.ConfigDigest{}, trace.ConvertSystemError(err)
	}
	return types.ComputeDigest(raw), nil
}

// List returns every configured plugin.
func (s *PluginStore) List() ([]Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugins, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p)
	}
	return out, nil
}

// Add registers a new plugin under the caller-supplied id. It fails with
// AlreadyExists if that id is already taken.
func (s *PluginStore) Add(id, ty string, core bool, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plugins, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, ok := plugins[id]; ok {
		return trace.AlreadyExists("acme plugin %q already exists", id)
	}
	plugins[id] = Plugin{ID: id, Type: ty, Core: core, Data: data}
	return s.save(plugins)
}

// Update mutates an existing plugin's data, subject to the digest
// precondition. update lists the keys to set from data; deleteKeys lists
// keys to remove.
func (s *PluginStore) Update(id string, update []string, data map[string]string, deleteKeys []string, digest types.ConfigDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Digest()
	if err != nil {
		return trace.Wrap(err)
	}
	if current != digest {
		return trace.CompareFailed("acme plugin digest mismatch (stale read)")
	}

	plugins, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	p, ok := plugins[id]
	if !ok {
		return trace.NotFound("acme plugin %q not found", id)
	}
	if p.Data == nil {
		p.Data = make(map[string]string)
	}
	for _, k := range update {
		p.Data[k] = data[k]
	}
	for _, k := range deleteKeys {
		delete(p.Data, k)
	}
	plugins[id] = p
	return s.save(plugins)
}

// Delete removes a non-core plugin. Core (built-in) plugins cannot be
// deleted.
func (s *PluginStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plugins, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	p, ok := plugins[id]
	if !ok {
		return trace.NotFound("acme plugin %q not found", id)
	}
	if p.Core {
		return trace.BadParameter("plugin %q is a core plugin and cannot be deleted", id)
	}
	delete(plugins, id)
	return s.save(plugins)
}
