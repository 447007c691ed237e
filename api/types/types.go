/*
Copyright 2018-2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package types holds the wire and persisted data model shared by every
// daemon and client in this module: remotes, node URLs, cache entries,
// update summaries and worker task records. Nothing in this package talks
// to the network or the filesystem; it is pure data plus validation.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/gravitational/trace"
)

// SafeIDPattern is the regex every Remote id and RemoteUpid remote name must
// satisfy.
const SafeIDPattern = `^[A-Za-z0-9_][A-Za-z0-9._-]*$`

var safeID = regexp.MustCompile(SafeIDPattern)

// ValidateSafeID returns a BadParameter error if id does not match the
// safe-id grammar used for remote ids and remote names throughout the
// system.
func ValidateSafeID(id string) error {
	if !safeID.MatchString(id) {
		return trace.BadParameter("invalid id %q: must match %s", id, SafeIDPattern)
	}
	return nil
}

// RemoteType distinguishes a hypervisor cluster from a backup server.
type RemoteType string

const (
	// RemoteTypeHypervisor is a PVE-style hypervisor cluster remote.
	RemoteTypeHypervisor RemoteType = "hypervisor"
	// RemoteTypeBackup is a PBS-style backup server remote.
	RemoteTypeBackup RemoteType = "backup"
)

// Check returns an error if ty is not one of the recognized remote types.
func (ty RemoteType) Check() error {
	switch ty {
	case RemoteTypeHypervisor, RemoteTypeBackup:
		return nil
	default:
		return trace.BadParameter("unknown remote type %q", ty)
	}
}

// NodeUrl identifies a single API endpoint belonging to a remote.
type NodeUrl struct {
	// Hostname is a DNS name, IP literal, or host:port pair.
	Hostname string `json:"hostname" ini:"hostname"`
	// Fingerprint, when set, pins the leaf certificate's SHA-256 hex
	// digest; when empty the system trust store is used instead.
	Fingerprint string `json:"fingerprint,omitempty" ini:"fingerprint,omitempty"`
}

// Remote is the persisted description of a single managed remote instance.
type Remote struct {
	ID      string     `json:"id"`
	Type    RemoteType `json:"type"`
	AuthID  string     `json:"authid"`
	Token   string     `json:"token"`
	Nodes   []NodeUrl  `json:"nodes"`
	WebURL  string     `json:"web-url,omitempty"`
}

var authIDPattern = regexp.MustCompile(`^[^@!]+@[^@!]+(![^@!]+)?$`)

// CheckAndSetDefaults validates a Remote per the invariants in the data
// model: non-empty node list, safe id, and an auth id of the shape
// <user>@<realm> or <user>@<realm>!<tokenname>.
func (r *Remote) CheckAndSetDefaults() error {
	if err := ValidateSafeID(r.ID); err != nil {
		return trace.Wrap(err)
	}
	if err := r.Type.Check(); err != nil {
		return trace.Wrap(err)
	}
	if !authIDPattern.MatchString(r.AuthID) {
		return trace.BadParameter("invalid authid %q", r.AuthID)
	}
	if len(r.Nodes) == 0 {
		return trace.BadParameter("remote %q must have at least one node", r.ID)
	}
	return nil
}

// ConfigDigest is a content hash of a config file, used for optimistic
// concurrency: a caller that read the config at digest D may write back
// only if the current digest still equals D.
type ConfigDigest [sha256.Size]byte

// ComputeDigest hashes the serialized bytes of a config file.
func ComputeDigest(data []byte) ConfigDigest {
	return sha256.Sum256(data)
}

// String renders the digest as lowercase hex, the form used on the wire.
func (d ConfigDigest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded digest as produced by String.
func ParseDigest(s string) (ConfigDigest, error) {
	var d ConfigDigest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, trace.BadParameter("invalid digest %q: %v", s, err)
	}
	if len(raw) != sha256.Size {
		return d, trace.BadParameter("invalid digest %q: wrong length", s)
	}
	copy(d[:], raw)
	return d, nil
}

// HostInfo is a single hostname's entry in a RemoteMapping.
type HostInfo struct {
	Hostname string `json:"hostname"`
	NodeName string `json:"node_name,omitempty"`
	Reachable bool  `json:"reachable"`
}

// RemoteMapping is the per-remote slice of the remote-node cache: every
// known hostname and the canonical node name it resolved to, plus the
// inverse index used for node-name lookups.
type RemoteMapping struct {
	Type       RemoteType          `json:"type"`
	Hosts      map[string]HostInfo `json:"hosts"`
	NodeToHost map[string]string   `json:"node_to_host"`
}

// NewRemoteMapping returns an empty mapping for a remote of the given type.
func NewRemoteMapping(ty RemoteType) *RemoteMapping {
	return &RemoteMapping{
		Type:       ty,
		Hosts:      make(map[string]HostInfo),
		NodeToHost: make(map[string]string),
	}
}

// SetNodeName records that hostname resolved to nodeName, maintaining the
// invariant that NodeToHost is exactly the inverse of Hosts[*].NodeName.
// Passing an empty nodeName clears the mapping.
func (m *RemoteMapping) SetNodeName(hostname, nodeName string) {
	info, ok := m.Hosts[hostname]
	if !ok {
		info = HostInfo{Hostname: hostname}
	}
	if info.NodeName != "" {
		delete(m.NodeToHost, info.NodeName)
	}
	info.NodeName = nodeName
	m.Hosts[hostname] = info
	if nodeName != "" {
		m.NodeToHost[nodeName] = hostname
	}
}

// MarkReachable records the soft reachability signal for a hostname.
func (m *RemoteMapping) MarkReachable(hostname string, reachable bool) {
	info, ok := m.Hosts[hostname]
	if !ok {
		info = HostInfo{Hostname: hostname}
	}
	info.Reachable = reachable
	m.Hosts[hostname] = info
}

// RemoteMappingCache is the full persisted remote-node cache, keyed by
// remote id.
type RemoteMappingCache struct {
	Remotes map[string]*RemoteMapping `json:"remotes"`
}

// NewRemoteMappingCache returns an empty cache.
func NewRemoteMappingCache() *RemoteMappingCache {
	return &RemoteMappingCache{Remotes: make(map[string]*RemoteMapping)}
}

// MetricCollectionEntry is one remote's cursor state in the persisted
// metric-collection-state.json file.
type MetricCollectionEntry struct {
	MostRecentDatapoint int64  `json:"most_recent_datapoint"`
	LastCollection      *int64 `json:"last_collection,omitempty"`
	Error               string `json:"error,omitempty"`
}

// MetricCollectionState is the full persisted collection-cursor map.
type MetricCollectionState struct {
	Remotes map[string]*MetricCollectionEntry `json:"remotes"`
}

// RrdDataPoint is a single timestamped sample forwarded from a collection
// cycle to the RRD consumer.
type RrdDataPoint struct {
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// RepositoryStatus is the apt/package-repository health assessment for a
// single node.
type RepositoryStatus string

const (
	RepoStatusOk                            RepositoryStatus = "Ok"
	RepoStatusNonProductionReady             RepositoryStatus = "NonProductionReady"
	RepoStatusMissingSubscriptionForEnterprise RepositoryStatus = "MissingSubscriptionForEnterprise"
	RepoStatusNoProductRepository            RepositoryStatus = "NoProductRepository"
	RepoStatusError                          RepositoryStatus = "Error"
)

// NodeUpdateStatus is whether the last refresh of a node's update summary
// succeeded.
type NodeUpdateStatus string

const (
	NodeUpdateStatusUnknown NodeUpdateStatus = "Unknown"
	NodeUpdateStatusSuccess NodeUpdateStatus = "Success"
	NodeUpdateStatusError   NodeUpdateStatus = "Error"
)

// PackageVersion is a single installed-package version record returned by
// a remote's update summary.
type PackageVersion struct {
	Package    string `json:"package"`
	OldVersion string `json:"old_version,omitempty"`
	Version    string `json:"version"`
}

// NodeUpdateSummary is one node's apt-update assessment.
type NodeUpdateSummary struct {
	NumberOfUpdates  int               `json:"number_of_updates"`
	LastRefresh      int64             `json:"last_refresh"`
	Status           NodeUpdateStatus  `json:"status"`
	StatusMessage    string            `json:"status_message,omitempty"`
	Versions         []PackageVersion  `json:"versions"`
	RepositoryStatus RepositoryStatus  `json:"repository_status"`
}

// RemoteUpdateSummary is one remote's worth of NodeUpdateSummary entries.
type RemoteUpdateSummary struct {
	RemoteType RemoteType                    `json:"remote_type"`
	Status     NodeUpdateStatus              `json:"status"`
	Nodes      map[string]*NodeUpdateSummary `json:"nodes"`
}

// UpdateSummary is the full persisted remote-updates.json document.
type UpdateSummary struct {
	Remotes map[string]*RemoteUpdateSummary `json:"remotes"`
}

// WorkerStatus is the terminal or in-progress state of a locally spawned
// worker task (e.g. an ACME operation).
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "Running"
	WorkerOK      WorkerStatus = "OK"
	WorkerWarning WorkerStatus = "Warning"
	WorkerError   WorkerStatus = "Error"
	WorkerUnknown WorkerStatus = "Unknown"
)

// WorkerTask is a locally-minted (non-remote) asynchronous operation
// record, distinct from a RemoteUpid which always names a task on a
// remote.
type WorkerTask struct {
	UPID       string       `json:"upid"`
	WorkerType string       `json:"worker_type"`
	User       string       `json:"user"`
	Status     WorkerStatus `json:"status"`
	StatusMsg  string       `json:"status_message,omitempty"`
	StartedAt  int64        `json:"started_at"`
	EndedAt    int64        `json:"ended_at,omitempty"`
	Log        []string     `json:"log,omitempty"`
}
