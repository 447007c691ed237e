package service

import (
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// PrivilegedSocketMode is the permission bits applied to the privileged
// Unix socket after bind: owner and group read/write, no access for other.
const PrivilegedSocketMode = 0o660

// BindPrivilegedSocket binds a Unix socket at path, then chmods it to
// PrivilegedSocketMode and chowns its group to apiGroup so the public
// daemon (running as an unprivileged api-group member) can dial in.
func BindPrivilegedSocket(path, apiGroup string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	if err := os.Chmod(path, PrivilegedSocketMode); err != nil {
		ln.Close()
		return nil, trace.ConvertSystemError(err)
	}

	if apiGroup != "" {
		if err := chownGroup(path, apiGroup); err != nil {
			ln.Close()
			return nil, trace.Wrap(err)
		}
	}

	return ln, nil
}

func chownGroup(path, groupName string) error {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return trace.Wrap(err, "looking up group %q", groupName)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return trace.Wrap(err, "parsing gid for group %q", groupName)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// PrivilegedRouter serves the connections accepted on the privileged socket.
// pdmd passes the whole lib/web router here, so every route (remotes.cfg
// writes, ACME operations and ACL writes included) is served on the socket;
// no subset is held back, and pdm-api forwards every public request to it.
type PrivilegedRouter interface {
	ServeConn(conn net.Conn)
}

// PrivilegedDaemon accepts connections from the public daemon over the
// privileged Unix socket and serves the privileged router against them.
type PrivilegedDaemon struct {
	ln     net.Listener
	router PrivilegedRouter
	log    *log.Entry
}

// NewPrivilegedDaemon wires a privileged daemon around an already-bound
// socket listener (see BindPrivilegedSocket) and the privileged router.
func NewPrivilegedDaemon(ln net.Listener, router PrivilegedRouter) *PrivilegedDaemon {
	return &PrivilegedDaemon{ln: ln, router: router, log: log.WithField("component", "privileged-daemon")}
}

// Serve accepts connections until the listener closes, dispatching each to
// the privileged router on its own goroutine.
func (d *PrivilegedDaemon) Serve() error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return trace.Wrap(err)
		}
		go d.router.ServeConn(conn)
	}
}

// Close closes the privileged listener.
func (d *PrivilegedDaemon) Close() error { return d.ln.Close() }
