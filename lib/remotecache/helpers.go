package remotecache

import "github.com/zmb3/pdm/api/types"

// InfoByHostname looks up a hostname's HostInfo within a single remote's
// mapping inside the cache.
func InfoByHostname(cache *types.RemoteMappingCache, remote, hostname string) (types.HostInfo, bool) {
	mapping, ok := cache.Remotes[remote]
	if !ok {
		return types.HostInfo{}, false
	}
	info, ok := mapping.Hosts[hostname]
	return info, ok
}

// InfoByNodeName looks up the HostInfo that resolved to nodeName within a
// single remote's mapping, using the inverse index.
func InfoByNodeName(cache *types.RemoteMappingCache, remote, nodeName string) (types.HostInfo, bool) {
	mapping, ok := cache.Remotes[remote]
	if !ok {
		return types.HostInfo{}, false
	}
	hostname, ok := mapping.NodeToHost[nodeName]
	if !ok {
		return types.HostInfo{}, false
	}
	info, ok := mapping.Hosts[hostname]
	return info, ok
}

// EnsureRemote returns the mapping for remote, creating an empty one of the
// given type if it does not yet exist.
func EnsureRemote(cache *types.RemoteMappingCache, remote string, ty types.RemoteType) *types.RemoteMapping {
	mapping, ok := cache.Remotes[remote]
	if !ok {
		mapping = types.NewRemoteMapping(ty)
		cache.Remotes[remote] = mapping
	}
	return mapping
}

// MarkHostReachable sets the reachability flag for a (remote, hostname)
// pair, creating the remote's mapping if needed.
func MarkHostReachable(cache *types.RemoteMappingCache, remote string, ty types.RemoteType, hostname string, reachable bool) {
	EnsureRemote(cache, remote, ty).MarkReachable(hostname, reachable)
}

// SetNodeName records the canonical node name for a (remote, hostname)
// pair, creating the remote's mapping if needed.
func SetNodeName(cache *types.RemoteMappingCache, remote string, ty types.RemoteType, hostname, nodeName string) {
	EnsureRemote(cache, remote, ty).SetNodeName(hostname, nodeName)
}

// PruneAbsent removes any remote mapping whose id is not in keep, and
// within each kept remote, removes any host not in its keep-set. This is
// used by the node-name discovery task (C9) to reconcile the cache against
// remotes.cfg.
func PruneAbsent(cache *types.RemoteMappingCache, keepRemotes map[string]map[string]bool) {
	for id := range cache.Remotes {
		hosts, keep := keepRemotes[id]
		if !keep {
			delete(cache.Remotes, id)
			continue
		}
		mapping := cache.Remotes[id]
		for hostname, info := range mapping.Hosts {
			if hosts[hostname] {
				continue
			}
			if info.NodeName != "" {
				delete(mapping.NodeToHost, info.NodeName)
			}
			delete(mapping.Hosts, hostname)
		}
	}
}
