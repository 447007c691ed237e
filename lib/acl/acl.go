// Package acl implements the ACL engine (C11): a path-trie of role
// bindings, backed by armon/go-radix, with propagate semantics and
// path-shape validation.
package acl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/gofrs/flock"
	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// binding is a single (role, propagate) pair recorded for a user or group
// at some path.
type binding struct {
	Role      string
	Propagate bool
}

// node is the radix-trie value stored at each bound path.
type node struct {
	Users  map[string]map[string]binding // authid -> role -> binding
	Groups map[string]map[string]binding // group -> role -> binding
}

func newNode() *node {
	return &node{Users: make(map[string]map[string]binding), Groups: make(map[string]map[string]binding)}
}

// Tree is the in-memory ACL trie plus the file it is persisted to.
type Tree struct {
	path     string
	lockPath string

	mu   sync.RWMutex
	trie *radix.Tree
}

// Load reads the ACL file (or starts empty if it does not exist yet).
func Load(path string) (*Tree, error) {
	t := &Tree{path: path, lockPath: path + ".lock", trie: radix.New()}
	if err := t.reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return t, nil
}

func (t *Tree) reload() error {
	bindings, err := readBindings(t.path)
	if err != nil {
		return trace.Wrap(err)
	}
	trie := radix.New()
	for _, b := range bindings {
		n, ok := trie.Get(b.Path)
		if !ok {
			n = newNode()
			trie.Insert(b.Path, n)
		}
		nn := n.(*node)
		target := nn.Users
		key := b.AuthID
		if b.Group != "" {
			target = nn.Groups
			key = b.Group
		}
		m, ok := target[key]
		if !ok {
			m = make(map[string]binding)
			target[key] = m
		}
		m[b.Role] = binding{Role: b.Role, Propagate: b.Propagate}
	}
	t.mu.Lock()
	t.trie = trie
	t.mu.Unlock()
	return nil
}

func readBindings(path string) ([]types.AclBinding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var bindings []types.AclBinding
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return nil, trace.Wrap(err, "parsing acl.cfg")
	}
	return bindings, nil
}

// EffectiveRoles returns the set of roles in effect for authID at path,
// aggregated along every ancestor path that has propagate=true, plus any
// binding at the exact path regardless of propagate.
func (t *Tree) EffectiveRoles(authID string, groups []string, path string) map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roles := make(map[string]bool)
	components := splitPath(path)
	for i := 0; i <= len(components); i++ {
		prefix := joinPath(components[:i])
		n, ok := t.trie.Get(prefix)
		if !ok {
			continue
		}
		isExact := i == len(components)
		collect(n.(*node).Users[authID], isExact, roles)
		for _, g := range groups {
			collect(n.(*node).Groups[g], isExact, roles)
		}
	}
	return roles
}

func collect(bindings map[string]binding, exact bool, out map[string]bool) {
	for role, b := range bindings {
		if exact || b.Propagate {
			out[role] = true
		}
	}
}

// Digest returns the current content digest of the ACL file, for
// optimistic-concurrency checks in UpdateACL.
func (t *Tree) Digest() (types.ConfigDigest, error) {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ComputeDigest(nil), nil
		}
		return types.ConfigDigest{}, trace.ConvertSystemError(err)
	}
	return types.ComputeDigest(raw), nil
}

// UpdateACL inserts or removes a (role, propagate) binding under the given
// user or group at path, subject to the digest precondition and path-shape
// validation.
func (t *Tree) UpdateACL(path, role string, propagate bool, authID, group string, delete bool, digest types.ConfigDigest) error {
	if err := ValidatePathShape(path); err != nil {
		return trace.Wrap(err)
	}
	if (authID == "") == (group == "") {
		return trace.BadParameter("exactly one of authid or group must be set")
	}

	lock := flock.New(t.lockPath)
	ctx, cancel := timeoutCtx()
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return trace.ConnectionProblem(err, "could not acquire acl lock")
	}
	defer lock.Unlock()

	current, err := t.Digest()
	if err != nil {
		return trace.Wrap(err)
	}
	if current != digest {
		return trace.CompareFailed("acl digest mismatch (stale read)")
	}

	bindings, err := readBindings(t.path)
	if err != nil {
		return trace.Wrap(err)
	}

	bindings = removeMatching(bindings, path, role, authID, group)
	if !delete {
		bindings = append(bindings, types.AclBinding{
			Path: path, Role: role, Propagate: propagate, AuthID: authID, Group: group,
		})
	}

	if err := writeBindings(t.path, bindings); err != nil {
		return trace.Wrap(err)
	}
	return t.reload()
}

func removeMatching(bindings []types.AclBinding, path, role, authID, group string) []types.AclBinding {
	out := bindings[:0]
	for _, b := range bindings {
		if b.Path == path && b.Role == role && b.AuthID == authID && b.Group == group {
			continue
		}
		out = append(out, b)
	}
	return out
}

func writeBindings(path string, bindings []types.AclBinding) error {
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Path != bindings[j].Path {
			return bindings[i].Path < bindings[j].Path
		}
		return bindings[i].Role < bindings[j].Role
	})
	raw, err := json.MarshalIndent(bindings, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
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
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func joinPath(components []string) string {
	return "/" + strings.Join(components, "/")
}
