// Package metrics implements the metric collection task (C6): an aligned
// scheduler with a control-message channel, a per-remote cursor persisted
// to a JSON state file, and a single consumer goroutine that owns all
// writes to the RRD store so they are totally ordered per remote.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// State is the in-memory, lock-protected view of
// metric-collection-state.json.
type State struct {
	path string

	mu      sync.Mutex
	remotes map[string]*types.MetricCollectionEntry
}

// LoadState reads the persisted state file, or returns an empty State if it
// does not yet exist.
func LoadState(path string) (*State, error) {
	s := &State{path: path, remotes: make(map[string]*types.MetricCollectionEntry)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	var doc types.MetricCollectionState
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, trace.Wrap(err, "parsing metric collection state")
	}
	if doc.Remotes != nil {
		s.remotes = doc.Remotes
	}
	return s, nil
}

// Get returns a copy of the entry for remote, or the zero value if unknown.
func (s *State) Get(remote string) types.MetricCollectionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.remotes[remote]; ok {
		return *e
	}
	return types.MetricCollectionEntry{}
}

// RecordSuccess advances the cursor for remote to mostRecentDatapoint,
// updates last_collection to now, and clears any prior error.
func (s *State) RecordSuccess(remote string, mostRecentDatapoint, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(remote)
	e.MostRecentDatapoint = mostRecentDatapoint
	e.LastCollection = &now
	e.Error = ""
}

// RecordFailure sets the error for remote, leaving the cursor and
// last_collection untouched.
func (s *State) RecordFailure(remote string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(remote)
	e.Error = errMsg
}

func (s *State) entryLocked(remote string) *types.MetricCollectionEntry {
	e, ok := s.remotes[remote]
	if !ok {
		e = &types.MetricCollectionEntry{}
		s.remotes[remote] = e
	}
	return e
}

// PruneAbsent removes any per-remote entry whose id is not in keep, called
// when reconciling against remotes.cfg.
func (s *State) PruneAbsent(keep map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.remotes {
		if !keep[id] {
			delete(s.remotes, id)
		}
	}
}

// Save persists the state atomically. Callers are expected to log and
// continue on error rather than treat it as fatal, matching the source's
// "save after every cycle, but saving failure isn't fatal" policy.
func (s *State) Save() error {
	s.mu.Lock()
	doc := types.MetricCollectionState{Remotes: s.remotes}
	raw, err := json.MarshalIndent(doc, "", "  ")
	s.mu.Unlock()
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
