package acl

import (
	"strings"

	"github.com/gravitational/trace"
)

// ValidatePathShape rejects unknown top-level prefixes and enforces
// component counts per subtree, per the recognized shapes:
//
//	/
//	/access[/{acl,users,realm}]
//	/resource[/{remote}[/{guest|storage}[/{id}]]]
//	/system[/{certificates,disks,log,...}]
//	/system/services/{svc}
//	/system/network[/dns|/interfaces[/{iface}]]
func ValidatePathShape(path string) error {
	if path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return trace.BadParameter("acl path %q must be absolute", path)
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "access":
		return validateAccess(parts[1:])
	case "resource":
		return validateResource(parts[1:])
	case "system":
		return validateSystem(parts[1:])
	default:
		return trace.BadParameter("unknown acl path prefix %q", parts[0])
	}
}

func validateAccess(rest []string) error {
	if len(rest) == 0 {
		return nil
	}
	switch rest[0] {
	case "acl", "users", "realm":
		if len(rest) > 1 {
			return trace.BadParameter("acl path too deep under /access/%s", rest[0])
		}
		return nil
	default:
		return trace.BadParameter("unknown /access subtree %q", rest[0])
	}
}

func validateResource(rest []string) error {
	// /resource[/{remote}[/{guest|storage}[/{id}]]]
	if len(rest) == 0 {
		return nil
	}
	if len(rest) == 1 {
		return nil // /resource/{remote}
	}
	switch rest[1] {
	case "guest", "storage":
	default:
		return trace.BadParameter("unknown resource subtree %q", rest[1])
	}
	if len(rest) > 3 {
		return trace.BadParameter("acl path too deep under /resource/%s/%s", rest[0], rest[1])
	}
	return nil
}

func validateSystem(rest []string) error {
	if len(rest) == 0 {
		return nil
	}
	switch rest[0] {
	case "certificates", "disks", "log":
		return nil
	case "services":
		if len(rest) > 2 {
			return trace.BadParameter("acl path too deep under /system/services")
		}
		return nil
	case "network":
		if len(rest) == 1 {
			return nil
		}
		switch rest[1] {
		case "dns":
			if len(rest) > 2 {
				return trace.BadParameter("acl path too deep under /system/network/dns")
			}
			return nil
		case "interfaces":
			if len(rest) > 3 {
				return trace.BadParameter("acl path too deep under /system/network/interfaces")
			}
			return nil
		default:
			return trace.BadParameter("unknown /system/network subtree %q", rest[1])
		}
	default:
		return trace.BadParameter("unknown /system subtree %q", rest[0])
	}
}
