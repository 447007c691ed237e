package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pdm.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestCheckRenewalAllowedRefusesFarFromExpiry(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(60*24*time.Hour))
	err := CheckRenewalAllowed(cert, false, time.Now())
	require.ErrorContains(t, err, "does not expire within the next 30 days")
}

func TestCheckRenewalAllowedWithinWindow(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(10*24*time.Hour))
	require.NoError(t, CheckRenewalAllowed(cert, false, time.Now()))
}

func TestCheckRenewalAllowedForced(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(60*24*time.Hour))
	require.NoError(t, CheckRenewalAllowed(cert, true, time.Now()))
}

func TestCertStoreWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	store := NewCertStore(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))

	_, err := store.CurrentCert()
	require.Error(t, err)

	cert := selfSignedCert(t, time.Now().Add(90*24*time.Hour))
	require.NoError(t, store.Write(cert, []byte("fake-key")))

	got, err := store.CurrentCert()
	require.NoError(t, err)
	require.Equal(t, cert, got)
}
