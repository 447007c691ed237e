package web

import (
	"context"
	"errors"
	"net/http"
)

// identityKey is the context key the authentication middleware stores the
// caller's authid/groups under.
type identityKey struct{}

type identity struct {
	authID string
	groups []string
}

// AuthenticationError means the caller's ticket or bearer token was
// missing, malformed, or expired. It is distinct from an AccessDenied
// (ACL) rejection: the request never established who is calling, rather
// than establishing it and then refusing the action.
//
// Ticket/token verification itself is composed from an external identity
// provider (per the data model's auth_id realm rules); this type only
// carries the failure once that verification has already happened
// upstream of the router, e.g. in a reverse proxy or session-cookie
// validator that sets the trusted identity headers this package reads.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

func isAuthenticationFailed(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// authenticate resolves the caller identity from the trusted headers an
// upstream session/ticket verifier attaches to the request. A missing
// identity header means the ticket did not verify.
func authenticate(req *http.Request) (identity, error) {
	authID := req.Header.Get("X-PDM-AuthID")
	if authID == "" {
		return identity{}, &AuthenticationError{Message: "missing or invalid authentication ticket"}
	}
	var groups []string
	if g := req.Header.Get("X-PDM-Groups"); g != "" {
		groups = append(groups, g)
	}
	return identity{authID: authID, groups: groups}, nil
}

// withIdentity authenticates req and, on success, stores the resulting
// identity on the request context before calling next.
func withIdentity(w http.ResponseWriter, req *http.Request, next func(*http.Request)) {
	id, err := authenticate(req)
	if err != nil {
		writeError(w, err)
		return
	}
	next(req.WithContext(context.WithValue(req.Context(), identityKey{}, id)))
}

func identityFrom(req *http.Request) (authID string, groups []string) {
	id, _ := req.Context().Value(identityKey{}).(identity)
	return id.authID, id.groups
}
