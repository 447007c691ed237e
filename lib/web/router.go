package web

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/acl"
	"github.com/zmb3/pdm/lib/acme"
	"github.com/zmb3/pdm/lib/config"
	"github.com/zmb3/pdm/lib/fetcher"
	"github.com/zmb3/pdm/lib/migration"
	"github.com/zmb3/pdm/lib/search"
	"github.com/zmb3/pdm/lib/tasks"
	"github.com/zmb3/pdm/lib/updates"
)

// BuildInfo is reported verbatim by GET /version.
type BuildInfo struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

// ResourceFetcher lists whatever resource kind GET /resources/list returns
// (VMs, containers, storage, ...) for a single remote, tagged for search.
type ResourceFetcher func(ctx context.Context, remote types.Remote) ([]Resource, error)

// Resource is a single searchable item backing /resources/list.
type Resource struct {
	Remote   string            `json:"remote"`
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Tags     map[string]string `json:"tags,omitempty"`
	FreeText string            `json:"-"`
}

// Router wires every component this module exposes over HTTP into a single
// httprouter.Router, matching the representative route list in §6.
type Router struct {
	directory    *config.RemoteDirectory
	acl          *acl.Tree
	orchestrator *migration.Orchestrator
	taskProxy    *tasks.Proxy
	updateCache  *updates.Cache
	fetcher      *fetcher.Fetcher
	listNodes    fetcher.NodeLister
	resources    ResourceFetcher
	acme         *acme.Manager
	build        BuildInfo
	metrics      http.Handler

	mux *httprouter.Router
}

// New builds the full router. The remote directory is required; any other
// dependency left nil simply 404s the routes that would have used it, which
// lets callers wire up a partial router for tests. The ACME routes are
// served from the same mux as everything else, and there is no second
// router: pdm-api forwards every request it receives to this one, so the
// ACME and config-writing routes are reachable through the public listener
// as well as the privileged socket.
func New(
	directory *config.RemoteDirectory,
	aclTree *acl.Tree,
	orchestrator *migration.Orchestrator,
	taskProxy *tasks.Proxy,
	updateCache *updates.Cache,
	f *fetcher.Fetcher,
	listNodes fetcher.NodeLister,
	resources ResourceFetcher,
	acmeMgr *acme.Manager,
	build BuildInfo,
	metricsHandler http.Handler,
) *Router {
	r := &Router{
		directory: directory, acl: aclTree, orchestrator: orchestrator,
		taskProxy: taskProxy, updateCache: updateCache, fetcher: f,
		listNodes: listNodes, resources: resources, acme: acmeMgr, build: build,
		metrics: metricsHandler,
		mux:     httprouter.New(),
	}
	r.routes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) { r.mux.ServeHTTP(w, req) }

func (r *Router) routes() {
	r.mux.GET("/ping", r.handlePing)
	r.mux.GET("/version", r.handleVersion)

	r.mux.GET("/remotes", r.auth(r.handleListRemotes))
	r.mux.POST("/remotes", r.auth(r.handleAddRemote))
	r.mux.GET("/remotes/:id", r.auth(r.handleGetRemote))
	r.mux.PUT("/remotes/:id", r.auth(r.handleUpdateRemote))
	r.mux.DELETE("/remotes/:id", r.auth(r.handleDeleteRemote))

	r.mux.GET("/resources/list", r.auth(r.handleListResources))

	r.mux.GET("/remote-tasks/list", r.auth(r.handleListRemoteTasks))
	r.mux.GET("/pve/remotes/:id/tasks", r.auth(r.handleListRemoteTasks))
	r.mux.GET("/pve/remotes/:id/tasks/:upid/status", r.auth(r.handleTaskStatus))
	r.mux.GET("/pve/remotes/:id/tasks/:upid/log", r.auth(r.handleTaskLog))

	r.mux.POST("/pve/remotes/:remote/qemu/:vmid/migrate", r.auth(r.handleMigrate))
	r.mux.POST("/pve/remotes/:remote/qemu/:vmid/remote-migrate", r.auth(r.handleMigrate))

	r.mux.GET("/access/acl", r.auth(r.handleGetACL))
	r.mux.PUT("/access/acl", r.auth(r.handlePutACL))

	r.mux.GET("/acme/plugins", r.auth(r.handleListPlugins))
	r.mux.POST("/acme/plugins", r.auth(r.handleAddPlugin))
	r.mux.DELETE("/acme/plugins/:id", r.auth(r.handleDeletePlugin))
	r.mux.POST("/acme/accounts", r.auth(r.handleRegisterAccount))
	r.mux.POST("/acme/order-certificate", r.auth(r.handleOrderCertificate))
	r.mux.POST("/acme/renew-certificate", r.auth(r.handleRenewCertificate))

	r.mux.GET("/metrics", r.handleMetrics)
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.metrics == nil {
		writeError(w, trace.NotFound("prometheus metrics are not configured"))
		return
	}
	r.metrics.ServeHTTP(w, req)
}

// auth wraps h so the request is authenticated before h runs. A failed
// authentication short-circuits with a 401 and never reaches h.
func (r *Router) auth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		withIdentity(w, req, func(req *http.Request) {
			h(w, req, ps)
		})
	}
}

func (r *Router) handlePing(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeData(w, "pong")
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeData(w, r.build)
}

func (r *Router) handleListRemotes(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	snap, err := r.directory.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, snap.Remotes)
}

func (r *Router) handleGetRemote(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	remote, err := r.directory.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, remote)
}

func (r *Router) handleAddRemote(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var remote types.Remote
	if err := decodeJSON(req.Body, &remote); err != nil {
		writeError(w, err)
		return
	}
	if err := remote.CheckAndSetDefaults(); err != nil {
		writeError(w, err)
		return
	}
	if err := r.directory.Add(remote); err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, remote)
}

type updateRemoteRequest struct {
	Remote types.Remote `json:"remote"`
	Digest string       `json:"digest"`
}

func (r *Router) handleUpdateRemote(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var body updateRemoteRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	digest, err := types.ParseDigest(body.Digest)
	if err != nil {
		writeError(w, err)
		return
	}
	body.Remote.ID = ps.ByName("id")
	if err := body.Remote.CheckAndSetDefaults(); err != nil {
		writeError(w, err)
		return
	}
	err = r.directory.Update(ps.ByName("id"), digest, func(stored *types.Remote) error {
		*stored = body.Remote
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, body.Remote)
}

func (r *Router) handleDeleteRemote(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := r.directory.Remove(ps.ByName("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func (r *Router) handleListResources(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.resources == nil {
		writeError(w, trace.NotFound("resource listing is not configured"))
		return
	}
	snap, err := r.directory.List()
	if err != nil {
		writeError(w, err)
		return
	}
	q := search.Parse(req.URL.Query().Get("search"))

	type remoteResources struct {
		Remote    string     `json:"remote"`
		Error     string     `json:"error,omitempty"`
		Resources []Resource `json:"resources"`
	}
	out := make([]remoteResources, 0, len(snap.Remotes))
	for _, remote := range snap.Remotes {
		items, err := r.resources(req.Context(), remote)
		if err != nil {
			out = append(out, remoteResources{Remote: remote.ID, Error: trace.UserMessage(err)})
			continue
		}
		filtered := items[:0]
		for _, item := range items {
			if q.Matches(item.Tags, item.FreeText) {
				filtered = append(filtered, item)
			}
		}
		out = append(out, remoteResources{Remote: remote.ID, Resources: filtered})
	}
	writeData(w, out)
}

func (r *Router) handleListRemoteTasks(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.taskProxy == nil {
		writeError(w, trace.NotFound("task proxy is not configured"))
		return
	}
	snap, err := r.directory.List()
	if err != nil {
		writeError(w, err)
		return
	}
	results := r.taskProxy.ListTasks(req.Context(), snap.Remotes)
	writeData(w, results)
}

func (r *Router) handleTaskStatus(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if r.taskProxy == nil {
		writeError(w, trace.NotFound("task proxy is not configured"))
		return
	}
	snap, err := r.directory.List()
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := r.taskProxy.TaskStatus(req.Context(), toRemoteMap(snap.Remotes), ps.ByName("upid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, status)
}

func (r *Router) handleTaskLog(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if r.taskProxy == nil {
		writeError(w, trace.NotFound("task proxy is not configured"))
		return
	}
	snap, err := r.directory.List()
	if err != nil {
		writeError(w, err)
		return
	}
	lines, err := r.taskProxy.TaskLog(req.Context(), toRemoteMap(snap.Remotes), ps.ByName("upid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, lines)
}

type migrateRequest struct {
	SourceNode     string `json:"source_node"`
	TargetRemote   string `json:"target_remote"`
	TargetNode     string `json:"target_node"`
	TargetEndpoint string `json:"target_endpoint"`
	DeleteSource   bool   `json:"delete_source"`
	TargetStorage  string `json:"target_storage"`
	TargetNetwork  string `json:"target_network"`
}

func (r *Router) handleMigrate(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if r.orchestrator == nil {
		writeError(w, trace.NotFound("migration orchestrator is not configured"))
		return
	}
	var body migrateRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	authID, groups := identityFrom(req)
	upid, err := r.orchestrator.Migrate(req.Context(), migration.Request{
		SourceRemote:   ps.ByName("remote"),
		SourceNode:     body.SourceNode,
		Vmid:           ps.ByName("vmid"),
		TargetRemote:   body.TargetRemote,
		TargetNode:     body.TargetNode,
		TargetEndpoint: body.TargetEndpoint,
		DeleteSource:   body.DeleteSource,
		Mapping:        migration.Mapping{TargetStorage: body.TargetStorage, TargetNetwork: body.TargetNetwork},
	}, authID, groups)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, upid.String())
}

func (r *Router) handleGetACL(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acl == nil {
		writeError(w, trace.NotFound("acl engine is not configured"))
		return
	}
	digest, err := r.acl.Digest()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"digest": digest.String()})
}

type putACLRequest struct {
	Path      string `json:"path"`
	Role      string `json:"role"`
	Propagate bool   `json:"propagate"`
	AuthID    string `json:"authid,omitempty"`
	Group     string `json:"group,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
	Digest    string `json:"digest"`
}

func (r *Router) handlePutACL(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acl == nil {
		writeError(w, trace.NotFound("acl engine is not configured"))
		return
	}
	var body putACLRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	digest, err := types.ParseDigest(body.Digest)
	if err != nil {
		writeError(w, err)
		return
	}
	err = r.acl.UpdateACL(body.Path, body.Role, body.Propagate, body.AuthID, body.Group, body.Delete, digest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func (r *Router) handleListPlugins(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	plugins, err := r.acme.ListPlugins()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, plugins)
}

type addPluginRequest struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Core bool              `json:"core"`
	Data map[string]string `json:"data"`
}

func (r *Router) handleAddPlugin(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	var body addPluginRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	upid := r.acme.AddPlugin(body.ID, body.Type, body.Core, body.Data)
	writeCreated(w, map[string]string{"upid": upid})
}

func (r *Router) handleDeletePlugin(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	upid := r.acme.DeletePlugin(ps.ByName("id"))
	writeData(w, map[string]string{"upid": upid})
}

type registerAccountRequest struct {
	Name      string   `json:"name"`
	Contact   []string `json:"contact"`
	TOSURL    string   `json:"tos_url,omitempty"`
	Directory string   `json:"directory"`
	EAB       bool     `json:"eab"`
}

func (r *Router) handleRegisterAccount(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	var body registerAccountRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	upid := r.acme.RegisterAccount(body.Name, body.Contact, body.TOSURL, body.Directory, body.EAB)
	writeCreated(w, map[string]string{"upid": upid})
}

type orderCertificateRequest struct {
	CSR   string `json:"csr"`
	Force bool   `json:"force,omitempty"`
}

func (r *Router) handleOrderCertificate(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	var body orderCertificateRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	csr, err := decodeCSR(body.CSR)
	if err != nil {
		writeError(w, err)
		return
	}
	upid := r.acme.OrderCertificate(csr)
	writeCreated(w, map[string]string{"upid": upid})
}

func (r *Router) handleRenewCertificate(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.acme == nil {
		writeError(w, trace.NotFound("acme manager is not configured"))
		return
	}
	var body orderCertificateRequest
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, err)
		return
	}
	csr, err := decodeCSR(body.CSR)
	if err != nil {
		writeError(w, err)
		return
	}
	upid := r.acme.RenewCertificate(csr, body.Force)
	writeData(w, map[string]string{"upid": upid})
}

// decodeCSR parses a PEM-encoded certificate signing request.
func decodeCSR(pemCSR string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(pemCSR))
	if block == nil {
		return nil, trace.BadParameter("csr field is not a PEM-encoded certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("parsing certificate signing request: %v", err)
	}
	return csr, nil
}

func decodeJSON(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

func toRemoteMap(remotes []types.Remote) map[string]types.Remote {
	out := make(map[string]types.Remote, len(remotes))
	for _, r := range remotes {
		out[r.ID] = r
	}
	return out
}
