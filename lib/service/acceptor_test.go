package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateSelfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pdm-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestAcceptorServesPlaintextWhenNoTLSRecord(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := NewAcceptor(ln, nil)
	defer acceptor.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	}()

	conn, err := acceptor.Accept()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 18)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(buf))
}

func TestAcceptorPerformsTLSHandshake(t *testing.T) {
	cert := generateSelfSigned(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := NewAcceptor(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer acceptor.Close()

	go func() {
		conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := acceptor.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, ok := conn.(*tls.Conn)
	require.True(t, ok)
}

func TestAcceptorHotSwapsTLSConfig(t *testing.T) {
	cert1 := generateSelfSigned(t)
	cert2 := generateSelfSigned(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := NewAcceptor(ln, &tls.Config{Certificates: []tls.Certificate{cert1}})
	defer acceptor.Close()

	acceptor.SetTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert2}})
	require.Equal(t, cert2.Certificate, acceptor.currentConfig().Certificates[0].Certificate)
}
