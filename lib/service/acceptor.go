// Package service implements the privileged daemon (C12) and public API
// daemon (C13): process wiring, the hot-swappable TLS acceptor, the
// command socket that triggers certificate reloads, and systemd
// readiness/reload notification.
package service

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// handshakeReadDeadline bounds how long a connection's first byte (and, for
// TLS connections, the handshake) may take before it is abandoned.
const handshakeReadDeadline = 5 * time.Second

// tlsRecordType is the first byte of a TLS handshake record
// (RFC 8446 §5.1). Any other leading byte is treated as plaintext HTTP.
const tlsRecordType = 0x16

// Acceptor wraps a net.Listener and serves both TLS and plaintext HTTP
// connections on the same port: it peeks the first byte of each connection
// and only performs a TLS handshake when that byte looks like a TLS record.
// Plaintext connections are accepted from any source address and are handed
// to the same HTTP server as TLS connections; they are not redirected to
// TLS. The TLS configuration itself can be swapped at any time via
// SetTLSConfig, so a certificate renewal never requires rebinding the
// listener or dropping in-flight connections.
type Acceptor struct {
	inner net.Listener
	clock clockwork.Clock
	log   *log.Entry

	mu     sync.RWMutex
	config *tls.Config
}

// NewAcceptor wraps inner with TLS-optional detection, initially serving
// config for any connection that negotiates TLS.
func NewAcceptor(inner net.Listener, config *tls.Config) *Acceptor {
	return &Acceptor{
		inner:  inner,
		clock:  clockwork.NewRealClock(),
		log:    log.WithField(trace.Component, "acceptor"),
		config: config,
	}
}

// SetTLSConfig hot-swaps the TLS configuration used for future
// connections. In-flight handshakes are unaffected: they already captured
// whichever *tls.Config was current when they called Accept.
func (a *Acceptor) SetTLSConfig(config *tls.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
}

func (a *Acceptor) currentConfig() *tls.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Accept returns the next connection, already resolved to either a
// *tls.Conn (handshake complete) or the raw plaintext connection.
func (a *Acceptor) Accept() (net.Conn, error) {
	conn, err := a.inner.Accept()
	if err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(a.clock.Now().Add(handshakeReadDeadline)); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}

	buffered := bufio.NewReader(conn)
	peek, err := buffered.Peek(1)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err, "peeking connection to detect protocol")
	}

	bc := &bufferedConn{Conn: conn, r: buffered}
	if peek[0] != tlsRecordType {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, trace.Wrap(err)
		}
		return bc, nil
	}

	tlsConn := tls.Server(bc, a.currentConfig())
	start := a.clock.Now()
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, trace.Wrap(err, "tls handshake failed")
	}
	if elapsed := a.clock.Now().Sub(start); elapsed > time.Second {
		a.log.Warnf("slow TLS handshake from %v, took %v", conn.RemoteAddr(), elapsed)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err)
	}
	return tlsConn, nil
}

// Close closes the underlying listener.
func (a *Acceptor) Close() error { return a.inner.Close() }

// Addr returns the underlying listener's address.
func (a *Acceptor) Addr() net.Addr { return a.inner.Addr() }

// bufferedConn lets the one byte Accept peeked be replayed to whatever
// consumes the connection next (plaintext HTTP, or the TLS handshake).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
