package acme

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/lib/tasks"
)

// Issuer is the subset of certmagic.ACMEIssuer this adapter drives. It is
// an interface, rather than a concrete *certmagic.ACMEIssuer, purely so
// tests can substitute a fake without contacting a real ACME directory.
type Issuer interface {
	Issue(ctx context.Context, csr *x509.CertificateRequest) (*certmagic.IssuedCertificate, error)
	Revoke(ctx context.Context, cert certmagic.CertificateResource, reason int) error
}

// Reloader is signaled after a successful order or renewal so the public
// daemon can hot-swap its TLS acceptor. It models the command-socket
// "reload-certificate" message.
type Reloader func() error

// Manager is the C10 adapter: it owns account and plugin configuration,
// wraps every ACME operation in a worker task, and enforces the renewal
// policy before delegating to Issuer.
type Manager struct {
	accounts *AccountStore
	plugins  *PluginStore
	certs    *CertStore
	issuer   Issuer
	tracker  *tasks.WorkerTracker
	reload   Reloader
	now      func() time.Time
}

// NewManager wires an ACME lifecycle manager.
func NewManager(accounts *AccountStore, plugins *PluginStore, certs *CertStore, issuer Issuer, tracker *tasks.WorkerTracker, reload Reloader) *Manager {
	return &Manager{
		accounts: accounts,
		plugins:  plugins,
		certs:    certs,
		issuer:   issuer,
		tracker:  tracker,
		reload:   reload,
		now:      time.Now,
	}
}

// RegisterAccount spawns register_account as a worker task.
func (m *Manager) RegisterAccount(name string, contact []string, tosURL, directory string, eab bool) string {
	return m.tracker.Spawn("acme-register-account", "root@pam", m.now, func(log func(string)) error {
		log(fmt.Sprintf("registering acme account %q against %s", name, directory))
		return m.accounts.Register(Account{
			Name: name, Contact: contact, TOSAgreed: tosURL != "", Directory: directory, EAB: eab,
			StorageKey: "accounts/" + name,
		})
	})
}

// UpdateAccount spawns update_account.
func (m *Manager) UpdateAccount(name string, contact []string) string {
	return m.tracker.Spawn("acme-update-account", "root@pam", m.now, func(log func(string)) error {
		return m.accounts.Update(name, contact)
	})
}

// DeactivateAccount spawns deactivate_account.
func (m *Manager) DeactivateAccount(name string, force bool) string {
	return m.tracker.Spawn("acme-deactivate-account", "root@pam", m.now, func(log func(string)) error {
		return m.accounts.Deactivate(name, force)
	})
}

// ListPlugins returns every configured DNS-01 plugin. Unlike the other
// operations this is synchronous: listing configuration is not a
// long-running task.
func (m *Manager) ListPlugins() ([]Plugin, error) {
	return m.plugins.List()
}

// AddPlugin spawns add_plugin.
func (m *Manager) AddPlugin(id, pluginType string, core bool, data map[string]string) string {
	return m.tracker.Spawn("acme-add-plugin", "root@pam", m.now, func(log func(string)) error {
		if _, err := NewProvider(pluginType, data); err != nil {
			return trace.Wrap(err)
		}
		return m.plugins.Add(id, pluginType, core, data)
	})
}

// UpdatePlugin spawns update_plugin.
func (m *Manager) UpdatePlugin(id string, update []string, data map[string]string, deleteKeys []string, digest [32]byte) string {
	return m.tracker.Spawn("acme-update-plugin", "root@pam", m.now, func(log func(string)) error {
		return m.plugins.Update(id, update, data, deleteKeys, digest)
	})
}

// DeletePlugin spawns delete_plugin.
func (m *Manager) DeletePlugin(id string) string {
	return m.tracker.Spawn("acme-delete-plugin", "root@pam", m.now, func(log func(string)) error {
		return m.plugins.Delete(id)
	})
}

// OrderCertificate spawns order_certificate: issues a fresh certificate for
// domains via the configured Issuer, writes the result atomically, and
// triggers a TLS acceptor reload on success.
func (m *Manager) OrderCertificate(csr *x509.CertificateRequest) string {
	return m.tracker.Spawn("acme-order-certificate", "root@pam", m.now, func(log func(string)) error {
		log(fmt.Sprintf("ordering certificate for %v", csr.DNSNames))
		return m.issueAndInstall(context.Background(), csr, log)
	})
}

// RenewCertificate spawns renew_certificate, refusing unless the current
// certificate expires within 30 days or force is set.
func (m *Manager) RenewCertificate(csr *x509.CertificateRequest, force bool) string {
	return m.tracker.Spawn("acme-renew-certificate", "root@pam", m.now, func(log func(string)) error {
		current, err := m.certs.CurrentCert()
		if err != nil {
			return trace.Wrap(err)
		}
		if err := CheckRenewalAllowed(current, force, m.now()); err != nil {
			return trace.Wrap(err)
		}
		log("renewal policy satisfied, ordering replacement certificate")
		return m.issueAndInstall(context.Background(), csr, log)
	})
}

func (m *Manager) issueAndInstall(ctx context.Context, csr *x509.CertificateRequest, log func(string)) error {
	issued, err := m.issuer.Issue(ctx, csr)
	if err != nil {
		return trace.Wrap(err, "acme issuance failed")
	}

	certPEM, err := encodeChain(issued.Certificate.Certificate)
	if err != nil {
		return trace.Wrap(err)
	}
	keyPEM, err := encodeKey(issued.Certificate.PrivateKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := m.certs.Write(certPEM, keyPEM); err != nil {
		return trace.Wrap(err)
	}

	log("certificate written, requesting acceptor reload")
	if err := m.reload(); err != nil {
		log(fmt.Sprintf("acceptor reload failed, retaining previous acceptor: %v", err))
	}
	return nil
}

// RevokeCertificate spawns revoke_certificate.
func (m *Manager) RevokeCertificate(certPEM []byte, reason int) string {
	return m.tracker.Spawn("acme-revoke-certificate", "root@pam", m.now, func(log func(string)) error {
		block, _ := pem.Decode(certPEM)
		if block == nil {
			return trace.BadParameter("no PEM block found in certificate")
		}
		return m.issuer.Revoke(context.Background(), certmagic.CertificateResource{CertificatePEM: certPEM}, reason)
	})
}

// encodeChain PEM-encodes a tls.Certificate's raw DER chain, leaf first.
func encodeChain(derChain [][]byte) ([]byte, error) {
	var out []byte
	for _, der := range derChain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if len(out) == 0 {
		return nil, trace.BadParameter("issued certificate has an empty chain")
	}
	return out, nil
}

// encodeKey PEM-encodes the private key certmagic generated for the order.
func encodeKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling issued private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
