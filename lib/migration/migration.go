// Package migration implements the migration orchestrator (C8): intra- and
// cross-remote guest migration with authorization, storage/network
// mapping, and connection-spec construction for cross-remote moves.
package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/acl"
	"github.com/zmb3/pdm/lib/remoteupid"
)

// Mapping describes how storage and network references on the source
// guest are translated on the target remote. Simple mappings apply a
// single storage/network via a wildcard; Detailed mappings give an
// explicit per-volume/per-bridge translation.
type Mapping struct {
	// Simple form.
	TargetStorage string
	TargetNetwork string

	// Detailed form: "s:<source>=<target>" or "n:<source>=<target>"
	// entries, one per referenced volume or bridge.
	Detailed []string
}

// Render produces the wire-format mapping string passed to the native
// remote-migrate endpoint.
func (m Mapping) Render() string {
	if len(m.Detailed) > 0 {
		return strings.Join(m.Detailed, ",")
	}
	var parts []string
	if m.TargetStorage != "" {
		parts = append(parts, fmt.Sprintf("s:*=%s", m.TargetStorage))
	}
	if m.TargetNetwork != "" {
		parts = append(parts, fmt.Sprintf("n:*=%s", m.TargetNetwork))
	}
	return strings.Join(parts, ",")
}

// Request describes a single migration call.
type Request struct {
	SourceRemote string
	SourceNode   string
	Vmid         string

	TargetRemote   string
	TargetNode     string // target node of an intra-remote migration; not used for cross-remote
	TargetEndpoint string // cross-remote hostname hint among the target's nodes; if empty, the first node is used

	DeleteSource bool
	Mapping      Mapping
}

// NativeCaller issues the actual migrate / remote-migrate call against a
// remote's native API and returns the native UPID string it started.
type NativeCaller interface {
	// Migrate starts an intra-remote migration.
	Migrate(ctx context.Context, remote types.Remote, vmid, targetNode string, mapping Mapping) (string, error)
	// RemoteMigrate starts a cross-remote migration, passing a
	// connection spec string describing how to reach the target.
	RemoteMigrate(ctx context.Context, remote types.Remote, vmid, connectionSpec string, mapping Mapping) (string, error)
}

// Orchestrator coordinates migrations across remotes.
type Orchestrator struct {
	directory RemoteLookup
	acl       *acl.Tree
	caller    NativeCaller
}

// RemoteLookup resolves a remote by id, the minimal surface the
// orchestrator needs from the remote directory.
type RemoteLookup interface {
	Get(id string) (types.Remote, error)
}

// New returns a migration orchestrator.
func New(directory RemoteLookup, aclTree *acl.Tree, caller NativeCaller) *Orchestrator {
	return &Orchestrator{directory: directory, acl: aclTree, caller: caller}
}

// Migrate performs either an intra-remote or cross-remote migration
// depending on whether Request.TargetRemote equals Request.SourceRemote,
// and returns the RemoteUpid of the started task.
func (o *Orchestrator) Migrate(ctx context.Context, req Request, authID string, groups []string) (remoteupid.RemoteUpid, error) {
	source, err := o.directory.Get(req.SourceRemote)
	if err != nil {
		return remoteupid.RemoteUpid{}, trace.Wrap(err)
	}

	if req.TargetRemote == "" || req.TargetRemote == req.SourceRemote {
		return o.migrateIntra(ctx, source, req)
	}
	return o.migrateCross(ctx, source, req, authID, groups)
}

func (o *Orchestrator) migrateIntra(ctx context.Context, source types.Remote, req Request) (remoteupid.RemoteUpid, error) {
	if req.TargetNode == req.SourceNode {
		return remoteupid.RemoteUpid{}, trace.BadParameter("refusing migration to the same node")
	}
	native, err := o.caller.Migrate(ctx, source, req.Vmid, req.TargetNode, req.Mapping)
	if err != nil {
		return remoteupid.RemoteUpid{}, trace.Wrap(err)
	}
	return remoteupid.New(source.Type, source.ID, native)
}

func (o *Orchestrator) migrateCross(ctx context.Context, source types.Remote, req Request, authID string, groups []string) (remoteupid.RemoteUpid, error) {
	sourcePath := fmt.Sprintf("/resource/%s/guest/%s", req.SourceRemote, req.Vmid)
	targetPath := fmt.Sprintf("/resource/%s/guest/%s", req.TargetRemote, req.Vmid)

	if !o.acl.EffectiveRoles(authID, groups, sourcePath)["ResourceMigrate"] {
		return remoteupid.RemoteUpid{}, trace.AccessDenied("missing ResourceMigrate on %s", sourcePath)
	}
	if !o.acl.EffectiveRoles(authID, groups, targetPath)["ResourceMigrate"] {
		return remoteupid.RemoteUpid{}, trace.AccessDenied("missing ResourceMigrate on %s", targetPath)
	}
	if req.DeleteSource && !o.acl.EffectiveRoles(authID, groups, sourcePath)["ResourceDelete"] {
		return remoteupid.RemoteUpid{}, trace.AccessDenied("missing ResourceDelete on %s (delete-source requested)", sourcePath)
	}

	target, err := o.directory.Get(req.TargetRemote)
	if err != nil {
		return remoteupid.RemoteUpid{}, trace.Wrap(err)
	}

	endpoint, err := selectEndpoint(target, req.TargetEndpoint)
	if err != nil {
		return remoteupid.RemoteUpid{}, trace.Wrap(err)
	}

	spec := buildConnectionSpec(target, endpoint)

	native, err := o.caller.RemoteMigrate(ctx, source, req.Vmid, spec, req.Mapping)
	if err != nil {
		return remoteupid.RemoteUpid{}, trace.Wrap(err)
	}
	return remoteupid.New(source.Type, source.ID, native)
}

// selectEndpoint picks the node named by hint if given (first match by
// hostname), else the first available node.
func selectEndpoint(remote types.Remote, hint string) (types.NodeUrl, error) {
	if len(remote.Nodes) == 0 {
		return types.NodeUrl{}, trace.BadParameter("remote %q has no nodes", remote.ID)
	}
	if hint == "" {
		return remote.Nodes[0], nil
	}
	for _, n := range remote.Nodes {
		if n.Hostname == hint {
			return n, nil
		}
	}
	return types.NodeUrl{}, trace.NotFound("remote %q has no node %q", remote.ID, hint)
}

// defaultAPIPort is the port assumed when a node's hostname does not
// specify one explicitly.
const defaultAPIPort = 8006

// buildConnectionSpec constructs the "host=<h>,port=<p>,apitoken=..."
// string passed to the source remote's remote-migrate endpoint to let it
// dial the target directly.
func buildConnectionSpec(remote types.Remote, endpoint types.NodeUrl) string {
	host, port := splitHostPort(endpoint.Hostname)
	spec := fmt.Sprintf("host=%s,port=%d,apitoken=PVEAPIToken=%s=%s", host, port, remote.AuthID, remote.Token)
	if endpoint.Fingerprint != "" {
		spec += ",fingerprint=" + endpoint.Fingerprint
	}
	return spec
}

func splitHostPort(hostname string) (string, int) {
	if idx := strings.LastIndex(hostname, ":"); idx >= 0 {
		var port int
		if _, err := fmt.Sscanf(hostname[idx+1:], "%d", &port); err == nil {
			return hostname[:idx], port
		}
	}
	return hostname, defaultAPIPort
}
