package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/acl"
	"github.com/zmb3/pdm/lib/config"
)

func newTestDirectory(t *testing.T) *config.RemoteDirectory {
	t.Helper()
	return config.NewRemoteDirectory(filepath.Join(t.TempDir(), "remotes.conf"))
}

func newTestACL(t *testing.T) *acl.Tree {
	t.Helper()
	tree, err := acl.Load(filepath.Join(t.TempDir(), "acl.json"))
	require.NoError(t, err)
	return tree
}

func sampleRemote(id string) types.Remote {
	return types.Remote{
		ID:     id,
		Type:   types.RemoteTypeHypervisor,
		AuthID: "root@pam",
		Token:  "secret",
		Nodes:  []types.NodeUrl{{Hostname: "pve1.example.com"}},
	}
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(body.Bytes(), &env))
	return env
}

// authed builds a request carrying the trusted identity header the
// authentication middleware requires.
func authed(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	req.Header.Set("X-PDM-AuthID", "root@pam")
	return req
}

func TestPingAndVersion(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil,
		BuildInfo{Version: "1.2.3", Release: "1", RepoID: "abc123"}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	require.Equal(t, "pong", env.Data)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingIdentity(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/remotes", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer realm="pdm"`, rec.Header().Get("WWW-Authenticate"))
}

func TestRemoteCRUD(t *testing.T) {
	dir := newTestDirectory(t)
	r := New(dir, newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	body, err := json.Marshal(sampleRemote("pve1"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPost, "/remotes", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/remotes/pve1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/remotes/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/remotes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	list, ok := env.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodDelete, "/remotes/pve1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/remotes/pve1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddRemoteRejectsInvalid(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	invalid := sampleRemote("pve1")
	invalid.Nodes = nil
	body, err := json.Marshal(invalid)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPost, "/remotes", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResourceListingNotConfigured(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/resources/list", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceListingFiltersBySearch(t *testing.T) {
	dir := newTestDirectory(t)
	require.NoError(t, dir.Add(sampleRemote("pve1")))

	fetch := ResourceFetcher(func(ctx context.Context, remote types.Remote) ([]Resource, error) {
		return []Resource{
			{Remote: remote.ID, ID: "100", Kind: "qemu", Tags: map[string]string{"env": "prod"}},
			{Remote: remote.ID, ID: "101", Kind: "qemu", Tags: map[string]string{"env": "dev"}},
		}, nil
	})
	r := New(dir, newTestACL(t), nil, nil, nil, nil, nil, fetch, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/resources/list?search=env:prod", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	list, ok := env.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	entry, ok := list[0].(map[string]interface{})
	require.True(t, ok)
	resources, ok := entry["resources"].([]interface{})
	require.True(t, ok)
	require.Len(t, resources, 1)
	require.Equal(t, "100", resources[0].(map[string]interface{})["id"])
}

func TestAcmeRoutesNotConfigured(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/acme/plugins", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPost, "/acme/order-certificate", []byte(`{}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestACLGetAndPut(t *testing.T) {
	tree := newTestACL(t)
	r := New(newTestDirectory(t), tree, nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/access/acl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	digestMap, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	digest := digestMap["digest"].(string)

	put := putACLRequest{Path: "/resource/pve1", Role: "Administrator", Propagate: true, AuthID: "alice@pam", Digest: digest}
	body, err := json.Marshal(put)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPut, "/access/acl", body))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestACLPutStaleDigestConflicts(t *testing.T) {
	tree := newTestACL(t)
	r := New(newTestDirectory(t), tree, nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	stale := types.ConfigDigest{}
	put := putACLRequest{Path: "/resource/pve1", Role: "Administrator", AuthID: "alice@pam", Digest: stale.String()}
	body, err := json.Marshal(put)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPut, "/access/acl", body))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMigrateNotConfigured(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodPost, "/pve/remotes/pve1/qemu/100/migrate", []byte("{}")))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksNotConfigured(t *testing.T) {
	r := New(newTestDirectory(t), newTestACL(t), nil, nil, nil, nil, nil, nil, nil, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authed(http.MethodGet, "/remote-tasks/list", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
