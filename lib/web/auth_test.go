package web

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateMissingHeaderFails(t *testing.T) {
	req := httptest.NewRequest("GET", "/remotes", nil)
	_, err := authenticate(req)
	require.Error(t, err)
	require.True(t, isAuthenticationFailed(err))
}

func TestAuthenticateReadsTrustedHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/remotes", nil)
	req.Header.Set("X-PDM-AuthID", "alice@pam")
	req.Header.Set("X-PDM-Groups", "admins")

	id, err := authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "alice@pam", id.authID)
	require.Equal(t, []string{"admins"}, id.groups)
}

func TestStatusForAuthenticationFailed(t *testing.T) {
	require.Equal(t, 401, statusFor(&AuthenticationError{Message: "bad ticket"}))
}
