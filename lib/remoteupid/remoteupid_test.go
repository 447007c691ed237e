package remoteupid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
)

func TestFromStrOldFormat(t *testing.T) {
	pve, err := Parse("pve-remote!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.NoError(t, err)
	require.Equal(t, "pve-remote", pve.Remote())
	require.Equal(t, types.RemoteTypeHypervisor, pve.RemoteType())
	require.Equal(t, "UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:", pve.Native())

	pbs, err := Parse("pbs-remote!UPID:pbs:000002B2:00000158:00000000:674D828C:logrotate::root@pam:")
	require.NoError(t, err)
	require.Equal(t, "pbs-remote", pbs.Remote())
	require.Equal(t, types.RemoteTypeBackup, pbs.RemoteType())
}

func TestFromStrNewFormat(t *testing.T) {
	pve, err := Parse("hypervisor:pve-remote!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.NoError(t, err)
	require.Equal(t, "pve-remote", pve.Remote())
	require.Equal(t, types.RemoteTypeHypervisor, pve.RemoteType())
}

func TestDisplay(t *testing.T) {
	pve, err := New(types.RemoteTypeHypervisor, "pve-remote", "UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.NoError(t, err)
	require.Equal(t, "hypervisor:pve-remote!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:", pve.String())
}

func TestRoundTrip(t *testing.T) {
	u, err := New(types.RemoteTypeBackup, "pbs1", "UPID:pbs:000002B2:00000158:00000000:674D828C:logrotate::root@pam:")
	require.NoError(t, err)
	parsed, err := Parse(u.String())
	require.NoError(t, err)
	require.True(t, u.Equal(parsed))
}

func TestLegacyAcceptance(t *testing.T) {
	native := "UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:"
	u, err := Parse("pve1!" + native)
	require.NoError(t, err)
	require.Equal(t, types.RemoteTypeHypervisor, u.RemoteType())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("no-bang-here")
	require.Error(t, err)

	_, err = Parse("bad id!!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:")
	require.Error(t, err)

	_, err = Parse("remote!not-a-upid-at-all")
	require.Error(t, err)
}
