package service

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// ReloadCertificateCommand is the single message the command socket
// understands today: "the certificate on disk changed, reload it".
const ReloadCertificateCommand = "reload-certificate"

// CommandSocket is a Unix socket that the privileged daemon (C12) connects
// to in order to push one-line commands to the public daemon (C13),
// currently just the post-ACME-operation reload-certificate trigger.
type CommandSocket struct {
	path string
	ln   net.Listener
	log  *log.Entry

	onReload func() error
}

// NewCommandSocket binds a command socket at path, removing any stale
// socket file left behind by a previous run.
func NewCommandSocket(path string, onReload func() error) (*CommandSocket, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &CommandSocket{
		path:     path,
		ln:       ln,
		log:      log.WithField(trace.Component, "command-socket"),
		onReload: onReload,
	}, nil
}

// Serve accepts connections until the listener is closed, handling one
// command line per connection.
func (c *CommandSocket) Serve() error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return trace.Wrap(err)
		}
		go c.handle(conn)
	}
}

func (c *CommandSocket) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	switch strings.TrimSpace(scanner.Text()) {
	case ReloadCertificateCommand:
		if err := c.onReload(); err != nil {
			c.log.WithError(err).Error("failed to reload certificate, retaining previous acceptor")
			return
		}
		c.log.Info("certificate reloaded")
	default:
		c.log.Warnf("unknown command socket message: %q", scanner.Text())
	}
}

// Close closes the underlying listener and removes the socket file.
func (c *CommandSocket) Close() error {
	err := c.ln.Close()
	os.Remove(c.path)
	return err
}

// SendReloadCertificate dials path and sends the reload-certificate
// command. Used by the privileged daemon after a successful ACME
// operation.
func SendReloadCertificate(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte(ReloadCertificateCommand + "\n"))
	return trace.Wrap(err)
}
