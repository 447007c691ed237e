package service

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommandSocketTriggersReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.sock")
	reloaded := make(chan struct{}, 1)
	sock, err := NewCommandSocket(path, func() error {
		reloaded <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer sock.Close()

	go sock.Serve()

	require.NoError(t, SendReloadCertificate(path))

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload was not triggered")
	}
}

func TestCommandSocketUnknownMessageIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.sock")
	called := false
	sock, err := NewCommandSocket(path, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	defer sock.Close()

	go sock.Serve()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("not-a-real-command\n"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	require.False(t, called)
}
