package connection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
)

func testRemote() types.Remote {
	return types.Remote{
		ID:     "pve1",
		Type:   types.RemoteTypeHypervisor,
		AuthID: "root@pam",
		Token:  "secret",
		Nodes: []types.NodeUrl{
			{Hostname: "10.0.0.1", Fingerprint: "aa"},
			{Hostname: "10.0.0.2"},
		},
	}
}

func TestMakeClientCachesByCredentialDigest(t *testing.T) {
	factory, err := NewFactory(16)
	require.NoError(t, err)

	remote := testRemote()
	c1, err := factory.MakeClient(remote)
	require.NoError(t, err)
	c2, err := factory.MakeClient(remote)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	remote.Token = "rotated"
	c3, err := factory.MakeClientWithEndpoint(remote, remote.Nodes[0].Hostname)
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
}

func TestMakeClientWithEndpointUnknownHost(t *testing.T) {
	factory, err := NewFactory(16)
	require.NoError(t, err)
	_, err = factory.MakeClientWithEndpoint(testRemote(), "nowhere")
	require.Error(t, err)
}

func TestMakeClientNoNodes(t *testing.T) {
	factory, err := NewFactory(16)
	require.NoError(t, err)
	_, err = factory.MakeClient(types.Remote{ID: "empty"})
	require.Error(t, err)
}
