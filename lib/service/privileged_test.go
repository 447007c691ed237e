package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBindPrivilegedSocketSetsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privileged.sock")
	ln, err := BindPrivilegedSocket(path, "")
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(PrivilegedSocketMode), info.Mode().Perm())
}

func TestBindPrivilegedSocketUnknownGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privileged.sock")
	_, err := BindPrivilegedSocket(path, "definitely-not-a-real-group-name")
	require.Error(t, err)
}
