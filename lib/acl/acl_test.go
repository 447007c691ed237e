package acl

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivilegeMonotonicityWithPropagate(t *testing.T) {
	tree, err := Load(filepath.Join(t.TempDir(), "acl.cfg"))
	require.NoError(t, err)

	digest, err := tree.Digest()
	require.NoError(t, err)
	require.NoError(t, tree.UpdateACL("/resource/pve1", "ResourceMigrate", true, "root@pam", "", false, digest))

	roles := tree.EffectiveRoles("root@pam", nil, "/resource/pve1/guest/101")
	require.True(t, roles["ResourceMigrate"])
}

func TestNoPropagateDoesNotExtend(t *testing.T) {
	tree, err := Load(filepath.Join(t.TempDir(), "acl.cfg"))
	require.NoError(t, err)

	digest, err := tree.Digest()
	require.NoError(t, err)
	require.NoError(t, tree.UpdateACL("/resource/pve1", "ResourceMigrate", false, "root@pam", "", false, digest))

	roles := tree.EffectiveRoles("root@pam", nil, "/resource/pve1/guest/101")
	require.False(t, roles["ResourceMigrate"])

	// But it is in effect exactly at the bound path.
	roles = tree.EffectiveRoles("root@pam", nil, "/resource/pve1")
	require.True(t, roles["ResourceMigrate"])
}

func TestUpdateACLStaleDigest(t *testing.T) {
	tree, err := Load(filepath.Join(t.TempDir(), "acl.cfg"))
	require.NoError(t, err)
	digest, err := tree.Digest()
	require.NoError(t, err)

	require.NoError(t, tree.UpdateACL("/resource/pve1", "Audit", true, "alice@pam", "", false, digest))
	err = tree.UpdateACL("/resource/pve1", "Audit", true, "bob@pam", "", false, digest)
	require.Error(t, err)
}

func TestValidatePathShape(t *testing.T) {
	valid := []string{
		"/", "/access", "/access/acl", "/resource", "/resource/pve1",
		"/resource/pve1/guest", "/resource/pve1/guest/101",
		"/system/certificates", "/system/services/foo",
		"/system/network", "/system/network/dns", "/system/network/interfaces/eth0",
	}
	for _, p := range valid {
		require.NoError(t, ValidatePathShape(p), p)
	}

	invalid := []string{
		"/bogus", "/resource/pve1/nope", "/system/network/nope",
	}
	for _, p := range invalid {
		require.Error(t, ValidatePathShape(p), p)
	}
}

func TestUpdateACLRejectsBothUserAndGroup(t *testing.T) {
	tree, err := Load(filepath.Join(t.TempDir(), "acl.cfg"))
	require.NoError(t, err)
	digest, err := tree.Digest()
	require.NoError(t, err)
	err = tree.UpdateACL("/resource/pve1", "Audit", true, "alice@pam", "admins", false, digest)
	require.Error(t, err)
}
