// Package config implements the remote directory (remotes.cfg): a
// sectioned config file guarded by an advisory file lock, with
// digest-based optimistic concurrency for updates. The ACL and ACME
// stores keep their own files with their own load/save code.
//
// remotes.cfg uses the same "<type>: <id>" section-header shape as the
// product's other sectioned configs; it is read and written with
// gopkg.in/ini.v1 rather than a hand-rolled parser.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"gopkg.in/ini.v1"

	"github.com/zmb3/pdm/api/types"
)

// lockTimeout bounds how long a writer waits for the exclusive advisory
// lock on a config file before giving up.
const lockTimeout = 10 * time.Second

// RemoteDirectory is the lock-protected, digest-versioned store of
// configured remotes backed by a single sectioned file on disk.
type RemoteDirectory struct {
	path     string
	lockPath string
}

// NewRemoteDirectory returns a directory backed by the sectioned config
// file at path. The advisory lock file is path+".lock".
func NewRemoteDirectory(path string) *RemoteDirectory {
	return &RemoteDirectory{path: path, lockPath: path + ".lock"}
}

// Snapshot is an immutable, digested read of the remote directory.
type Snapshot struct {
	Remotes []types.Remote
	Digest  types.ConfigDigest
}

// List returns a lock-free snapshot of every configured remote plus the
// content digest of the file that produced it, for use in later optimistic
// concurrency checks.
func (d *RemoteDirectory) List() (Snapshot, error) {
	data, err := readFileOrEmpty(d.path)
	if err != nil {
		return Snapshot{}, trace.Wrap(err)
	}
	remotes, err := decode(data)
	if err != nil {
		return Snapshot{}, trace.Wrap(err)
	}
	return Snapshot{Remotes: remotes, Digest: types.ComputeDigest(data)}, nil
}

// Get looks up a single remote by id.
func (d *RemoteDirectory) Get(id string) (types.Remote, error) {
	snap, err := d.List()
	if err != nil {
		return types.Remote{}, trace.Wrap(err)
	}
	for _, r := range snap.Remotes {
		if r.ID == id {
			return r, nil
		}
	}
	return types.Remote{}, trace.NotFound("remote %q not found", id)
}

// Add inserts a new remote. It fails with AlreadyExists if the id is
// already taken.
func (d *RemoteDirectory) Add(r types.Remote) error {
	if err := r.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return d.mutate(func(remotes []types.Remote) ([]types.Remote, error) {
		for _, existing := range remotes {
			if existing.ID == r.ID {
				return nil, trace.AlreadyExists("remote %q already exists", r.ID)
			}
		}
		return append(remotes, r), nil
	})
}

// Update applies fn to the existing remote, enforcing optimistic
// concurrency: if the file's current digest does not equal digest, the
// update is rejected with CompareFailed (the wire-level StaleDigest).
func (d *RemoteDirectory) Update(id string, digest types.ConfigDigest, fn func(*types.Remote) error) error {
	return d.mutateDigested(digest, func(remotes []types.Remote) ([]types.Remote, error) {
		for i := range remotes {
			if remotes[i].ID != id {
				continue
			}
			updated := remotes[i]
			if err := fn(&updated); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := updated.CheckAndSetDefaults(); err != nil {
				return nil, trace.Wrap(err)
			}
			remotes[i] = updated
			return remotes, nil
		}
		return nil, trace.NotFound("remote %q not found", id)
	})
}

// Remove deletes a remote by id. Cache pruning for C3/C6/C7 entries happens
// on the next reconcile pass, not here.
func (d *RemoteDirectory) Remove(id string) error {
	return d.mutate(func(remotes []types.Remote) ([]types.Remote, error) {
		out := remotes[:0]
		found := false
		for _, r := range remotes {
			if r.ID == id {
				found = true
				continue
			}
			out = append(out, r)
		}
		if !found {
			return nil, trace.NotFound("remote %q not found", id)
		}
		return out, nil
	})
}

// mutate performs a lock-protected read-modify-write without a digest
// precondition.
func (d *RemoteDirectory) mutate(fn func([]types.Remote) ([]types.Remote, error)) error {
	return d.mutateDigested(types.ConfigDigest{}, func(remotes []types.Remote) ([]types.Remote, error) {
		return fn(remotes)
	}, true)
}

// mutateDigested performs a lock-protected read-modify-write, optionally
// skipping the digest precondition check (used by Add/Remove, which don't
// take a caller-supplied digest).
func (d *RemoteDirectory) mutateDigested(digest types.ConfigDigest, fn func([]types.Remote) ([]types.Remote, error), skipCheck ...bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	lock := flock.New(d.lockPath)
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return trace.ConnectionProblem(err, "could not acquire lock on %s", d.lockPath)
	}
	defer lock.Unlock()

	data, err := readFileOrEmpty(d.path)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(skipCheck) == 0 || !skipCheck[0] {
		current := types.ComputeDigest(data)
		if current != digest {
			return trace.CompareFailed("remote directory digest mismatch (stale read)")
		}
	}
	remotes, err := decode(data)
	if err != nil {
		return trace.Wrap(err)
	}
	remotes, err = fn(remotes)
	if err != nil {
		return trace.Wrap(err)
	}
	encoded, err := encode(remotes)
	if err != nil {
		return trace.Wrap(err)
	}
	return atomicWrite(d.path, encoded)
}

// decode parses the ini-style "<type>: <id>" sectioned document into
// Remote values.
func decode(data []byte) ([]types.Remote, error) {
	if len(data) == 0 {
		return nil, nil
	}
	file, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: false, AllowShadows: true}, data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing remotes.cfg")
	}
	var remotes []types.Remote
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		ty, id, err := splitSectionHeader(section.Name())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		r := types.Remote{
			ID:     id,
			Type:   ty,
			AuthID: section.Key("authid").String(),
			Token:  section.Key("token").String(),
		}
		for _, host := range section.Key("node").ValueWithShadows() {
			url, err := parseNodeValue(host)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			r.Nodes = append(r.Nodes, url)
		}
		remotes = append(remotes, r)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].ID < remotes[j].ID })
	return remotes, nil
}

// encode renders Remote values back into the "<type>: <id>" sectioned
// format, sorted by id for deterministic output (so an unchanged document
// always hashes to the same digest).
func encode(remotes []types.Remote) ([]byte, error) {
	sorted := append([]types.Remote(nil), remotes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	file := ini.Empty(ini.LoadOptions{AllowShadows: true})
	for _, r := range sorted {
		section, err := file.NewSection(fmt.Sprintf("%s: %s", r.Type, r.ID))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := section.NewKey("authid", r.AuthID); err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := section.NewKey("token", r.Token); err != nil {
			return nil, trace.Wrap(err)
		}
		for _, node := range r.Nodes {
			if _, err := section.NewKey("node", formatNodeValue(node)); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}

func splitSectionHeader(name string) (types.RemoteType, string, error) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			ty := types.RemoteType(trimSpace(name[:i]))
			id := trimSpace(name[i+1:])
			if err := ty.Check(); err != nil {
				return "", "", trace.Wrap(err)
			}
			if err := types.ValidateSafeID(id); err != nil {
				return "", "", trace.Wrap(err)
			}
			return ty, id, nil
		}
	}
	return "", "", trace.BadParameter("malformed remotes.cfg section header %q", name)
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// formatNodeValue / parseNodeValue encode a NodeUrl as "hostname" or
// "hostname,fingerprint=<hex>" in a single `node` key value.
func formatNodeValue(n types.NodeUrl) string {
	if n.Fingerprint == "" {
		return n.Hostname
	}
	return n.Hostname + ",fingerprint=" + n.Fingerprint
}

func parseNodeValue(s string) (types.NodeUrl, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			rest := s[i+1:]
			const prefix = "fingerprint="
			if len(rest) > len(prefix) && rest[:len(prefix)] == prefix {
				return types.NodeUrl{Hostname: s[:i], Fingerprint: rest[len(prefix):]}, nil
			}
			return types.NodeUrl{}, trace.BadParameter("malformed node value %q", s)
		}
	}
	return types.NodeUrl{Hostname: s}, nil
}

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// atomicWrite writes data to a temp file in the same directory and renames
// it into place, so readers using readFileOrEmpty never observe a torn
// write.
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
