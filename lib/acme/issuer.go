package acme

import (
	"github.com/caddyserver/certmagic"
)

// NewIssuer builds a certmagic-backed Issuer against the named ACME
// directory, issuing under the given contact email. It satisfies Issuer
// without Manager ever depending on certmagic directly.
func NewIssuer(ca, email string) Issuer {
	cfg := certmagic.NewDefault()
	return certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     ca,
		Email:  email,
		Agreed: true,
	})
}

// LetsEncryptProductionCA and LetsEncryptStagingCA are the two directory
// URLs the CLI's --acme-ca flag accepts by name.
const (
	LetsEncryptProductionCA = certmagic.LetsEncryptProductionCA
	LetsEncryptStagingCA    = certmagic.LetsEncryptStagingCA
)
