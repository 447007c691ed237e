package service

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// PublicDaemon is the public-facing API daemon (C13): it terminates TLS
// (or serves plaintext for local bootstrapping) through a hot-swappable
// Acceptor, forwards privileged operations to C12 over a Unix socket, and
// reloads its certificate when told to over the command socket.
type PublicDaemon struct {
	acceptor *Acceptor
	handler  http.Handler
	cmdSock  *CommandSocket
	certPath string
	keyPath  string
	log      *log.Entry

	mu     sync.Mutex
	server *http.Server
}

// NewPublicDaemon wires a public daemon serving handler through acceptor.
// certPath/keyPath name the files the command socket's reload-certificate
// message re-reads.
func NewPublicDaemon(acceptor *Acceptor, handler http.Handler, certPath, keyPath string) *PublicDaemon {
	return &PublicDaemon{
		acceptor: acceptor,
		handler:  handler,
		certPath: certPath,
		keyPath:  keyPath,
		log:      log.WithField("component", "public-daemon"),
		server:   &http.Server{Handler: handler},
	}
}

// ListenCommandSocket binds the command socket the privileged daemon uses
// to trigger certificate reloads.
func (d *PublicDaemon) ListenCommandSocket(path string) error {
	sock, err := NewCommandSocket(path, d.ReloadCertificate)
	if err != nil {
		return trace.Wrap(err)
	}
	d.cmdSock = sock
	go func() {
		if err := sock.Serve(); err != nil {
			d.log.WithError(err).Warn("command socket stopped")
		}
	}()
	return nil
}

// ReloadCertificate re-reads certPath/keyPath and hot-swaps the acceptor's
// TLS configuration. On failure the previous acceptor configuration (and
// therefore the previous certificate) is retained.
func (d *PublicDaemon) ReloadCertificate() error {
	cert, err := tls.LoadX509KeyPair(d.certPath, d.keyPath)
	if err != nil {
		return trace.Wrap(err, "loading renewed certificate")
	}
	d.acceptor.SetTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}})
	return nil
}

// Serve runs the HTTP server over the acceptor until ctx is cancelled or
// the server returns.
func (d *PublicDaemon) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		server := d.server
		d.mu.Unlock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		d.log.WithError(err).Debug("sd_notify READY failed (not running under systemd?)")
	}

	err := d.server.Serve(d.acceptor)
	if err == http.ErrServerClosed {
		return nil
	}
	return trace.Wrap(err)
}

// WaitForReloadSignal blocks until SIGHUP is received, then re-reads the
// certificate the same way the command socket does, repeating forever
// until ctx is cancelled.
func (d *PublicDaemon) WaitForReloadSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := d.ReloadCertificate(); err != nil {
				d.log.WithError(err).Error("SIGHUP certificate reload failed")
			}
			daemon.SdNotify(false, daemon.SdNotifyReady)
		}
	}
}

// listenTLSOptional binds addr and wraps it with the TLS-optional
// Acceptor, the entry point callers use to construct a PublicDaemon.
func listenTLSOptional(addr string, config *tls.Config) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return NewAcceptor(ln, config), nil
}

// ListenTLSOptional is exported for daemon wiring in tool/pdm-api.
var ListenTLSOptional = listenTLSOptional

const shutdownGrace = 10 * time.Second
