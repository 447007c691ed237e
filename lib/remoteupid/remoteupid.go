// Package remoteupid implements the composite task identifier that spans
// every remote type this fleet manager talks to: a RemoteUpid pairs a
// remote's type and name with the native UPID string that remote itself
// minted for the task.
package remoteupid

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// NativeKind identifies which native UPID grammar a string parsed as.
type NativeKind int

const (
	// NativeUnknown means the native UPID did not parse in any known
	// grammar.
	NativeUnknown NativeKind = iota
	// NativePVE is a hypervisor-cluster ("pve"-shaped) native UPID.
	NativePVE
	// NativePBS is a backup-server ("pbs"-shaped) native UPID.
	NativePBS
)

// pveUpid matches the 8-field native UPID grammar used by hypervisor
// clusters: UPID:node:pid:pstart:starttime:wtype:wid:user:
var pveUpid = regexp.MustCompile(
	`^UPID:[^:]+:[0-9A-Fa-f]+:[0-9A-Fa-f]+:[0-9A-Fa-f]+:[^:]*:[^:]*:[^:@]+@[^:@]+:$`)

// pbsUpid matches the 9-field native UPID grammar used by backup servers,
// which carries one extra hex field relative to pveUpid. The two grammars
// are disjoint by field count, so no string matches both.
var pbsUpid = regexp.MustCompile(
	`^UPID:[^:]+:[0-9A-Fa-f]+:[0-9A-Fa-f]+:[0-9A-Fa-f]+:[0-9A-Fa-f]+:[^:]*:[^:]*:[^:@]+@[^:@]+:$`)

// NativeKindOf classifies a native UPID string. It returns NativeUnknown if
// the string matches neither grammar, and panics never: ambiguity (matching
// both) is also reported as NativeUnknown, which the caller deduceType
// treats as a parse error rather than guessing.
func NativeKindOf(native string) NativeKind {
	pve := pveUpid.MatchString(native)
	pbs := pbsUpid.MatchString(native)
	switch {
	case pve && !pbs:
		return NativePVE
	case pbs && !pve:
		return NativePBS
	default:
		return NativeUnknown
	}
}

// RemoteUpid is the composite identifier (remote_type, remote_name,
// native_upid) for a task running on some remote. The zero value is not
// valid; construct one with New or Parse.
type RemoteUpid struct {
	remoteType types.RemoteType
	remoteName string
	native     string
}

// New builds a RemoteUpid directly, without parsing the native string. It
// still validates the remote name against the safe-id grammar.
func New(remoteType types.RemoteType, remoteName, native string) (RemoteUpid, error) {
	if err := types.ValidateSafeID(remoteName); err != nil {
		return RemoteUpid{}, trace.Wrap(err)
	}
	if err := remoteType.Check(); err != nil {
		return RemoteUpid{}, trace.Wrap(err)
	}
	return RemoteUpid{remoteType: remoteType, remoteName: remoteName, native: native}, nil
}

func deduceType(native string) (types.RemoteType, error) {
	switch NativeKindOf(native) {
	case NativePVE:
		return types.RemoteTypeHypervisor, nil
	case NativePBS:
		return types.RemoteTypeBackup, nil
	default:
		return "", trace.BadParameter("invalid upid: %s", native)
	}
}

// Parse accepts both the canonical tagged form "type:remote!native" and the
// legacy form "remote!native". In the legacy case remote_type is deduced by
// testing the native string against each native grammar in turn; exactly
// one must match or Parse fails.
//
// The split is anchored on the first '!' and then the first ':' of what
// precedes it, so a native UPID's own colons (every native grammar has
// several) are never mistaken for the remote/type separator.
func Parse(s string) (RemoteUpid, error) {
	remoteAndType, native, ok := strings.Cut(s, "!")
	if !ok {
		return RemoteUpid{}, trace.BadParameter("missing '!' separator in remote upid: %s", s)
	}

	if ty, remote, ok := strings.Cut(remoteAndType, ":"); ok {
		rty := types.RemoteType(ty)
		if err := rty.Check(); err != nil {
			return RemoteUpid{}, trace.Wrap(err)
		}
		if err := types.ValidateSafeID(remote); err != nil {
			return RemoteUpid{}, trace.Wrap(err)
		}
		return RemoteUpid{remoteType: rty, remoteName: remote, native: native}, nil
	}

	remote := remoteAndType
	if err := types.ValidateSafeID(remote); err != nil {
		return RemoteUpid{}, trace.Wrap(err)
	}
	rty, err := deduceType(native)
	if err != nil {
		return RemoteUpid{}, trace.Wrap(err)
	}
	return RemoteUpid{remoteType: rty, remoteName: remote, native: native}, nil
}

// String always emits the canonical tagged form "type:remote!native".
func (u RemoteUpid) String() string {
	return string(u.remoteType) + ":" + u.remoteName + "!" + u.native
}

// Remote returns the remote name component.
func (u RemoteUpid) Remote() string { return u.remoteName }

// RemoteType returns the remote type component.
func (u RemoteUpid) RemoteType() types.RemoteType { return u.remoteType }

// Native returns the raw native UPID string.
func (u RemoteUpid) Native() string { return u.native }

// NativeKind returns which native grammar Native() parses as, or
// NativeUnknown if it parses as neither (or both).
func (u RemoteUpid) NativeKind() NativeKind {
	return NativeKindOf(u.native)
}

// Equal reports whether two RemoteUpid values name the same task.
func (u RemoteUpid) Equal(o RemoteUpid) bool {
	return u.remoteType == o.remoteType && u.remoteName == o.remoteName && u.native == o.native
}
