package service

import (
	"bufio"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPConnRouterRoundTrips(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":"ok"}`))
	})
	router := HTTPConnRouter{Handler: handler}

	client, server := net.Pipe()
	go router.ServeConn(server)

	req, err := http.NewRequest(http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(client))

	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "yes", resp.Header.Get("X-Test"))
}
