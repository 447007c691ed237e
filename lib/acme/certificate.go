package acme

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
)

// renewalWindow is how close to expiry a certificate must be before an
// unforced renewal is allowed.
const renewalWindow = 30 * 24 * time.Hour

// CheckRenewalAllowed enforces "refuses unless the current certificate
// expires within the next 30 days OR force=true".
func CheckRenewalAllowed(certPEM []byte, force bool, now time.Time) error {
	if force {
		return nil
	}
	cert, err := parseLeaf(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	if cert.NotAfter.Sub(now) > renewalWindow {
		return trace.BadParameter("certificate does not expire within the next 30 days")
	}
	return nil
}

func parseLeaf(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing certificate")
	}
	return cert, nil
}

// CertStore holds the active certificate/key pair on disk, written
// atomically so the public daemon never observes a torn pair.
type CertStore struct {
	certPath string
	keyPath  string
}

// NewCertStore wires a cert store backed by certPath/keyPath.
func NewCertStore(certPath, keyPath string) *CertStore {
	return &CertStore{certPath: certPath, keyPath: keyPath}
}

// CurrentCert returns the PEM bytes of the active certificate, or
// NotFound if none has been issued yet.
func (s *CertStore) CurrentCert() ([]byte, error) {
	raw, err := os.ReadFile(s.certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no certificate has been issued yet")
		}
		return nil, trace.ConvertSystemError(err)
	}
	return raw, nil
}

// Write atomically replaces both the certificate and key files.
func (s *CertStore) Write(certPEM, keyPEM []byte) error {
	if err := atomicWriteFile(s.keyPath, keyPEM, 0o600); err != nil {
		return trace.Wrap(err)
	}
	if err := atomicWriteFile(s.certPath, certPEM, 0o644); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}
