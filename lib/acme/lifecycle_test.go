package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/lib/tasks"
)

type fakeIssuer struct {
	issueErr  error
	revoked   bool
	revokeErr error
}

func (f *fakeIssuer) Issue(ctx context.Context, csr *x509.CertificateRequest) (*certmagic.IssuedCertificate, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pdm.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &certmagic.IssuedCertificate{
		Certificate: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
	}, nil
}

func (f *fakeIssuer) Revoke(ctx context.Context, cert certmagic.CertificateResource, reason int) error {
	f.revoked = true
	return f.revokeErr
}

func newTestManager(t *testing.T, issuer Issuer) (*Manager, *bool) {
	dir := t.TempDir()
	reloaded := false
	m := NewManager(
		NewAccountStore(filepath.Join(dir, "accounts.json")),
		NewPluginStore(filepath.Join(dir, "plugins.json")),
		NewCertStore(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")),
		issuer,
		tasks.NewWorkerTracker(),
		func() error { reloaded = true; return nil },
	)
	return m, &reloaded
}

func waitForStatus(t *testing.T, tracker *tasks.WorkerTracker, upid string) string {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := tracker.Status(upid)
		require.NoError(t, err)
		return task.Status != "Running"
	}, time.Second, time.Millisecond)
	task, _ := tracker.Status(upid)
	return string(task.Status)
}

func TestOrderCertificateWritesAndReloads(t *testing.T) {
	issuer := &fakeIssuer{}
	m, reloaded := newTestManager(t, issuer)

	upid := m.OrderCertificate(&x509.CertificateRequest{DNSNames: []string{"pdm.example"}})
	status := waitForStatus(t, m.tracker, upid)
	require.Equal(t, "OK", status)
	require.True(t, *reloaded)

	_, err := m.certs.CurrentCert()
	require.NoError(t, err)
}

func TestRenewCertificateRefusedFarFromExpiry(t *testing.T) {
	issuer := &fakeIssuer{}
	m, _ := newTestManager(t, issuer)

	far := selfSignedCert(t, time.Now().Add(80*24*time.Hour))
	require.NoError(t, m.certs.Write(far, []byte("key")))

	upid := m.RenewCertificate(&x509.CertificateRequest{DNSNames: []string{"pdm.example"}}, false)
	status := waitForStatus(t, m.tracker, upid)
	require.Equal(t, "Error", status)

	task, err := m.tracker.Status(upid)
	require.NoError(t, err)
	require.Contains(t, task.StatusMsg, "does not expire within the next 30 days")
}

func TestRenewCertificateForcedSucceeds(t *testing.T) {
	issuer := &fakeIssuer{}
	m, reloaded := newTestManager(t, issuer)

	far := selfSignedCert(t, time.Now().Add(80*24*time.Hour))
	require.NoError(t, m.certs.Write(far, []byte("key")))

	upid := m.RenewCertificate(&x509.CertificateRequest{DNSNames: []string{"pdm.example"}}, true)
	status := waitForStatus(t, m.tracker, upid)
	require.Equal(t, "OK", status)
	require.True(t, *reloaded)
}

func TestRevokeCertificateCallsIssuer(t *testing.T) {
	issuer := &fakeIssuer{}
	m, _ := newTestManager(t, issuer)

	cert := selfSignedCert(t, time.Now().Add(90*24*time.Hour))
	upid := m.RevokeCertificate(cert, 0)
	status := waitForStatus(t, m.tracker, upid)
	require.Equal(t, "OK", status)
	require.True(t, issuer.revoked)
}
