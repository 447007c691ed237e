// Package fetcher implements the parallel fetcher (C5): bounded-concurrency
// fan-out across remotes and, for hypervisor remotes, across each remote's
// nodes. A global semaphore caps total in-flight work; a per-remote
// semaphore caps how much of that capacity a single remote may consume, so
// one large cluster cannot starve the others.
package fetcher

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zmb3/pdm/api/types"
)

// Defaults mirror the Rust source's DEFAULT_MAX_CONNECTIONS /
// DEFAULT_MAX_CONNECTIONS_PER_REMOTE.
const (
	DefaultMaxConnections           = 20
	DefaultMaxConnectionsPerRemote  = 5
)

// NodeResults is the measured outcome of a single (remote, node) call.
type NodeResults[T any] struct {
	Data            T
	APIResponseTime time.Duration
}

// RemoteResult aggregates every node's outcome for a single remote.
type RemoteResult[T any] struct {
	NodeResults map[string]Result[NodeResults[T]]
}

// Result is a minimal Result type (value or error), standing in for the
// source's per-call Result<T, Error>.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok reports whether the result carries a value rather than an error.
func (r Result[T]) Ok() bool { return r.Err == nil }

// FetchResults is the top-level outcome of a fan-out call: one Result per
// remote, each of which (on success) carries one Result per node.
type FetchResults[T any] struct {
	RemoteResults map[string]Result[RemoteResult[T]]
}

// Fetcher runs f across remotes and nodes under the configured
// concurrency caps.
type Fetcher struct {
	global *semaphore.Weighted
	perRemoteLimit int64
}

// New returns a Fetcher with the given global and per-remote concurrency
// caps. Zero values fall back to the package defaults.
func New(maxConnections, maxConnectionsPerRemote int) *Fetcher {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	if maxConnectionsPerRemote <= 0 {
		maxConnectionsPerRemote = DefaultMaxConnectionsPerRemote
	}
	return &Fetcher{
		global:         semaphore.NewWeighted(int64(maxConnections)),
		perRemoteLimit: int64(maxConnectionsPerRemote),
	}
}

// NodeLister resolves the set of node names to query for a remote: every
// cluster node for a hypervisor remote, or the single pseudo-node
// "localhost" for a backup remote.
type NodeLister func(ctx context.Context, remote types.Remote) ([]string, error)

// DoForAllRemoteNodes fans out f(ctx, remote, node) across every remote and,
// for hypervisor remotes, every node the lister returns (backup remotes are
// queried once against the pseudo-node "localhost"). Per-remote and
// per-node errors are isolated into the result structure: one remote
// failing to list its nodes, or one node failing its call, never affects
// any other remote or node.
func DoForAllRemoteNodes[T any](
	ctx context.Context,
	f *Fetcher,
	remotes []types.Remote,
	listNodes NodeLister,
	call func(ctx context.Context, remote types.Remote, node string) (T, error),
) FetchResults[T] {
	out := FetchResults[T]{RemoteResults: make(map[string]Result[RemoteResult[T]], len(remotes))}
	results := make(chan remoteOutcome[T], len(remotes))

	for _, r := range remotes {
		r := r
		go func() {
			results <- fetchOneRemote(ctx, f, r, listNodes, call)
		}()
	}

	for range remotes {
		o := <-results
		out.RemoteResults[o.remote] = o.result
	}
	return out
}

type remoteOutcome[T any] struct {
	remote string
	result Result[RemoteResult[T]]
}

func fetchOneRemote[T any](
	ctx context.Context,
	f *Fetcher,
	remote types.Remote,
	listNodes NodeLister,
	call func(ctx context.Context, remote types.Remote, node string) (T, error),
) remoteOutcome[T] {
	var nodes []string
	var err error
	if remote.Type == types.RemoteTypeBackup {
		nodes = []string{"localhost"}
	} else {
		if err := f.global.Acquire(ctx, 1); err != nil {
			return remoteOutcome[T]{remote: remote.ID, result: Result[RemoteResult[T]]{Err: err}}
		}
		nodes, err = listNodes(ctx, remote)
		f.global.Release(1)
		if err != nil {
			return remoteOutcome[T]{remote: remote.ID, result: Result[RemoteResult[T]]{Err: err}}
		}
	}

	perRemote := semaphore.NewWeighted(f.perRemoteLimit)
	nodeResults := make(map[string]Result[NodeResults[T]], len(nodes))
	type nodeOutcome struct {
		node   string
		result Result[NodeResults[T]]
	}
	ch := make(chan nodeOutcome, len(nodes))

	for _, n := range nodes {
		n := n
		go func() {
			if err := perRemote.Acquire(ctx, 1); err != nil {
				ch <- nodeOutcome{node: n, result: Result[NodeResults[T]]{Err: err}}
				return
			}
			defer perRemote.Release(1)
			if err := f.global.Acquire(ctx, 1); err != nil {
				ch <- nodeOutcome{node: n, result: Result[NodeResults[T]]{Err: err}}
				return
			}
			defer f.global.Release(1)

			start := time.Now()
			data, err := call(ctx, remote, n)
			elapsed := time.Since(start)
			if err != nil {
				ch <- nodeOutcome{node: n, result: Result[NodeResults[T]]{Err: err}}
				return
			}
			ch <- nodeOutcome{node: n, result: Result[NodeResults[T]]{
				Value: NodeResults[T]{Data: data, APIResponseTime: elapsed},
			}}
		}()
	}
	for range nodes {
		o := <-ch
		nodeResults[o.node] = o.result
	}

	return remoteOutcome[T]{
		remote: remote.ID,
		result: Result[RemoteResult[T]]{Value: RemoteResult[T]{NodeResults: nodeResults}},
	}
}

// DoForAllRemotes invokes call once per remote against the nominal node
// "localhost", under the same global concurrency cap as
// DoForAllRemoteNodes.
func DoForAllRemotes[T any](
	ctx context.Context,
	f *Fetcher,
	remotes []types.Remote,
	call func(ctx context.Context, remote types.Remote) (T, error),
) map[string]Result[T] {
	out := make(map[string]Result[T], len(remotes))
	type outcome struct {
		remote string
		result Result[T]
	}
	ch := make(chan outcome, len(remotes))

	for _, r := range remotes {
		r := r
		go func() {
			if err := f.global.Acquire(ctx, 1); err != nil {
				ch <- outcome{remote: r.ID, result: Result[T]{Err: err}}
				return
			}
			defer f.global.Release(1)
			data, err := call(ctx, r)
			ch <- outcome{remote: r.ID, result: Result[T]{Value: data, Err: err}}
		}()
	}
	for range remotes {
		o := <-ch
		out[o.remote] = o.result
	}
	return out
}
