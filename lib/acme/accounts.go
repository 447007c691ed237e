// Package acme implements the ACME certificate lifecycle (C10): account
// and DNS-01 plugin configuration, and certificate order/renew/revoke as
// locally-minted worker tasks that drive a caddyserver/certmagic issuer and,
// on success, trigger a TLS acceptor reload.
package acme

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
)

// Account is the locally-persisted record of a registered ACME account.
// The account's actual key material and order state live in certmagic's
// own storage backend, keyed by StorageKey; this record is only what list
// and get operations need without consulting certmagic's storage directly.
type Account struct {
	Name       string   `json:"name"`
	Contact    []string `json:"contact"`
	TOSAgreed  bool     `json:"tos_agreed"`
	Directory  string   `json:"directory"`
	EAB        bool     `json:"eab"`
	StorageKey string   `json:"storage_key"`
	Deactived  bool     `json:"deactivated"`
}

// AccountStore persists the set of registered ACME accounts to a single
// JSON file, written atomically.
type AccountStore struct {
	path string
	mu   sync.Mutex
}

// NewAccountStore wires an account store backed by path.
func NewAccountStore(path string) *AccountStore {
	return &AccountStore{path: path}
}

func (s *AccountStore) load() (map[string]Account, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Account), nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if len(raw) == 0 {
		return make(map[string]Account), nil
	}
	var accounts map[string]Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, trace.Wrap(err, "parsing acme accounts")
	}
	return accounts, nil
}

func (s *AccountStore) save(accounts map[string]Account) error {
	raw, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Register creates a new account record. It fails with AlreadyExists if an
// account of that name is already on file, mirroring register_account's
// "fails if an account file exists" rule.
func (s *AccountStore) Register(a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, ok := accounts[a.Name]; ok {
		return trace.AlreadyExists("acme account %q already registered", a.Name)
	}
	accounts[a.Name] = a
	return s.save(accounts)
}

// Update replaces the named account's contact list with contact; a nil
// contact leaves it unchanged.
func (s *AccountStore) Update(name string, contact []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	a, ok := accounts[name]
	if !ok {
		return trace.NotFound("acme account %q not found", name)
	}
	if contact != nil {
		a.Contact = contact
	}
	accounts[name] = a
	return s.save(accounts)
}

// Deactivate marks an account deactivated. force skips the "account has
// live certificates" check left to the caller.
func (s *AccountStore) Deactivate(name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	a, ok := accounts[name]
	if !ok {
		return trace.NotFound("acme account %q not found", name)
	}
	a.Deactived = true
	accounts[name] = a
	return s.save(accounts)
}

// Get returns a single account by name.
func (s *AccountStore) Get(name string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return Account{}, trace.Wrap(err)
	}
	a, ok := accounts[name]
	if !ok {
		return Account{}, trace.NotFound("acme account %q not found", name)
	}
	return a, nil
}

// List returns every registered account.
func (s *AccountStore) List() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a)
	}
	return out, nil
}
