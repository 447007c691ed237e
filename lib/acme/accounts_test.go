package acme

import (
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestRegisterAccountThenDuplicateFails(t *testing.T) {
	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))

	require.NoError(t, store.Register(Account{Name: "default", Contact: []string{"admin@example.com"}, Directory: "https://acme.example/directory"}))
	err := store.Register(Account{Name: "default"})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestUpdateAccountContact(t *testing.T) {
	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Register(Account{Name: "default", Contact: []string{"old@example.com"}}))

	require.NoError(t, store.Update("default", []string{"new@example.com"}))

	a, err := store.Get("default")
	require.NoError(t, err)
	require.Equal(t, []string{"new@example.com"}, a.Contact)
}

func TestDeactivateAccount(t *testing.T) {
	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Register(Account{Name: "default"}))
	require.NoError(t, store.Deactivate("default", false))

	a, err := store.Get("default")
	require.NoError(t, err)
	require.True(t, a.Deactived)
}

func TestListAccounts(t *testing.T) {
	store := NewAccountStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Register(Account{Name: "one"}))
	require.NoError(t, store.Register(Account{Name: "two"}))

	accounts, err := store.List()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}
