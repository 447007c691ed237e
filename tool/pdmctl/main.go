// Command pdmctl is the operator CLI for the public fleet-manager API: it
// talks HTTP to tool/pdm-api and renders the {"data":...}/{"error":...}
// envelope as tables or raw JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/utils"
)

func main() {
	app := utils.InitCLIParser("pdmctl", "Operator CLI for the fleet-manager API.")

	var (
		apiURL     string
		authID     string
		insecure   bool
		jsonOutput bool
	)
	app.Flag("api-url", "Base URL of the public API daemon.").
		Default("https://localhost:8443").StringVar(&apiURL)
	app.Flag("authid", "Identity sent as X-PDM-AuthID.").
		Default("root@pam").StringVar(&authID)
	app.Flag("insecure", "Skip TLS certificate verification.").BoolVar(&insecure)
	app.Flag("json", "Print raw JSON instead of a table.").BoolVar(&jsonOutput)

	remoteCmd := app.Command("remote", "Manage remotes.")
	remoteLs := remoteCmd.Command("ls", "List remotes.")
	remoteGet := remoteCmd.Command("get", "Show a single remote.")
	var remoteGetID string
	remoteGet.Arg("id", "Remote id.").Required().StringVar(&remoteGetID)
	remoteAdd := remoteCmd.Command("add", "Add a remote.")
	var (
		addID       string
		addType     string
		addAuthID   string
		addToken    string
		addHostname string
	)
	remoteAdd.Arg("id", "Remote id.").Required().StringVar(&addID)
	remoteAdd.Flag("type", "hypervisor or backup.").Default(string(types.RemoteTypeHypervisor)).StringVar(&addType)
	remoteAdd.Flag("authid", "API token owner, e.g. root@pam.").Required().StringVar(&addAuthID)
	remoteAdd.Flag("token", "API token secret.").Required().StringVar(&addToken)
	remoteAdd.Flag("host", "Node hostname or host:port.").Required().StringVar(&addHostname)
	remoteRm := remoteCmd.Command("rm", "Remove a remote.")
	var remoteRmID string
	remoteRm.Arg("id", "Remote id.").Required().StringVar(&remoteRmID)

	resourcesCmd := app.Command("resources", "List resources across all remotes.")
	var resourcesSearch string
	resourcesCmd.Flag("search", "Search query, e.g. env:prod.").StringVar(&resourcesSearch)

	tasksCmd := app.Command("tasks", "List recent tasks across all remotes.")

	taskStatusCmd := app.Command("task-status", "Show one task's status.")
	var taskStatusUpid string
	taskStatusCmd.Arg("upid", "Task UPID.").Required().StringVar(&taskStatusUpid)

	taskLogCmd := app.Command("task-log", "Show one task's log.")
	var taskLogUpid string
	taskLogCmd.Arg("upid", "Task UPID.").Required().StringVar(&taskLogUpid)

	migrateCmd := app.Command("migrate", "Migrate a guest to another remote/node.")
	var (
		migrateRemote         string
		migrateVmid           string
		migrateSourceNode     string
		migrateTargetRemote   string
		migrateTargetNode     string
		migrateTargetEndpoint string
		migrateDeleteSource   bool
	)
	migrateCmd.Arg("remote", "Source remote id.").Required().StringVar(&migrateRemote)
	migrateCmd.Arg("vmid", "Guest id.").Required().StringVar(&migrateVmid)
	migrateCmd.Flag("source-node", "Source node name.").Required().StringVar(&migrateSourceNode)
	migrateCmd.Flag("target-remote", "Target remote id; empty migrates within the source remote.").StringVar(&migrateTargetRemote)
	migrateCmd.Flag("target-node", "Target node name.").Required().StringVar(&migrateTargetNode)
	migrateCmd.Flag("target-endpoint", "Target remote-migration endpoint, when crossing remotes.").StringVar(&migrateTargetEndpoint)
	migrateCmd.Flag("delete-source", "Delete the source guest once migration succeeds.").BoolVar(&migrateDeleteSource)

	aclGetCmd := app.Command("acl-digest", "Show the current ACL digest.")

	aclPutCmd := app.Command("acl-put", "Grant or revoke a role on a resource path.")
	var (
		aclPath      string
		aclRole      string
		aclPropagate bool
		aclAuthID    string
		aclGroup     string
		aclDelete    bool
		aclDigest    string
	)
	aclPutCmd.Arg("path", "Resource path, e.g. /resource/pve1.").Required().StringVar(&aclPath)
	aclPutCmd.Arg("role", "Role name.").Required().StringVar(&aclRole)
	aclPutCmd.Flag("propagate", "Propagate the grant to child resources.").BoolVar(&aclPropagate)
	aclPutCmd.Flag("authid", "User identity to grant/revoke for.").StringVar(&aclAuthID)
	aclPutCmd.Flag("group", "Group to grant/revoke for, instead of --authid.").StringVar(&aclGroup)
	aclPutCmd.Flag("delete", "Revoke instead of grant.").BoolVar(&aclDelete)
	aclPutCmd.Flag("digest", "Expected current ACL digest, from acl-digest.").Required().StringVar(&aclDigest)

	pingCmd := app.Command("ping", "Check the API is reachable.")
	versionCmd := app.Command("version", "Show the API daemon's build info.")

	utils.UpdateAppUsageTemplate(app, os.Args[1:])
	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		utils.FatalError(err)
	}

	c := newClient(apiURL, authID, insecure)
	ctx := context.Background()

	switch cmd {
	case pingCmd.FullCommand():
		err = runPing(ctx, c)
	case versionCmd.FullCommand():
		err = runVersion(ctx, c, jsonOutput)
	case remoteLs.FullCommand():
		err = runRemoteList(ctx, c, jsonOutput)
	case remoteGet.FullCommand():
		err = runRemoteGet(ctx, c, remoteGetID, jsonOutput)
	case remoteAdd.FullCommand():
		err = runRemoteAdd(ctx, c, addID, addType, addAuthID, addToken, addHostname)
	case remoteRm.FullCommand():
		err = c.delete(ctx, "/remotes/"+remoteRmID)
	case resourcesCmd.FullCommand():
		err = runResources(ctx, c, resourcesSearch, jsonOutput)
	case tasksCmd.FullCommand():
		err = runTasks(ctx, c, jsonOutput)
	case taskStatusCmd.FullCommand():
		err = runTaskStatus(ctx, c, taskStatusUpid, jsonOutput)
	case taskLogCmd.FullCommand():
		err = runTaskLog(ctx, c, taskLogUpid)
	case migrateCmd.FullCommand():
		err = runMigrate(ctx, c, migrateRemote, migrateVmid, migrateSourceNode,
			migrateTargetRemote, migrateTargetNode, migrateTargetEndpoint, migrateDeleteSource)
	case aclGetCmd.FullCommand():
		err = runACLDigest(ctx, c)
	case aclPutCmd.FullCommand():
		err = runACLPut(ctx, c, aclPath, aclRole, aclPropagate, aclAuthID, aclGroup, aclDelete, aclDigest)
	}
	if err != nil {
		utils.FatalError(err)
	}
}

func runPing(ctx context.Context, c *client) error {
	var pong string
	if err := c.get(ctx, "/ping", &pong); err != nil {
		return err
	}
	fmt.Println(pong)
	return nil
}

func runVersion(ctx context.Context, c *client, asJSON bool) error {
	var build struct {
		Version string `json:"version"`
		Release string `json:"release"`
		RepoID  string `json:"repoid"`
	}
	if err := c.get(ctx, "/version", &build); err != nil {
		return err
	}
	if asJSON {
		return printJSON(build)
	}
	fmt.Printf("pdm-api %s (release %s, repo %s)\n", build.Version, build.Release, build.RepoID)
	return nil
}

func runRemoteList(ctx context.Context, c *client, asJSON bool) error {
	var remotes []types.Remote
	if err := c.get(ctx, "/remotes", &remotes); err != nil {
		return err
	}
	if asJSON {
		return printJSON(remotes)
	}
	tw := newTable("ID", "TYPE", "AUTHID", "NODES")
	for _, r := range remotes {
		tw.row(r.ID, string(r.Type), r.AuthID, fmt.Sprint(len(r.Nodes)))
	}
	return tw.flush()
}

func runRemoteGet(ctx context.Context, c *client, id string, asJSON bool) error {
	var remote types.Remote
	if err := c.get(ctx, "/remotes/"+id, &remote); err != nil {
		return err
	}
	if asJSON {
		return printJSON(remote)
	}
	fmt.Printf("id:     %s\n", remote.ID)
	fmt.Printf("type:   %s\n", remote.Type)
	fmt.Printf("authid: %s\n", remote.AuthID)
	for _, n := range remote.Nodes {
		fmt.Printf("node:   %s\n", n.Hostname)
	}
	return nil
}

func runRemoteAdd(ctx context.Context, c *client, id, ty, authID, token, hostname string) error {
	remote := types.Remote{
		ID:     id,
		Type:   types.RemoteType(ty),
		AuthID: authID,
		Token:  token,
		Nodes:  []types.NodeUrl{{Hostname: hostname}},
	}
	var created types.Remote
	if err := c.post(ctx, "/remotes", remote, &created); err != nil {
		return err
	}
	fmt.Printf("added remote %s\n", created.ID)
	return nil
}

func runResources(ctx context.Context, c *client, search string, asJSON bool) error {
	path := "/resources/list"
	if search != "" {
		path += "?search=" + search
	}
	var out []struct {
		Remote    string            `json:"remote"`
		Error     string            `json:"error,omitempty"`
		Resources []json.RawMessage `json:"resources"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return err
	}
	if asJSON {
		return printJSON(out)
	}
	for _, remote := range out {
		if remote.Error != "" {
			fmt.Printf("%s: error: %s\n", remote.Remote, remote.Error)
			continue
		}
		fmt.Printf("%s: %s resources\n", remote.Remote, humanize.Comma(int64(len(remote.Resources))))
	}
	return nil
}

func runTasks(ctx context.Context, c *client, asJSON bool) error {
	var results struct {
		RemoteResults map[string]struct {
			Value struct {
				NodeResults map[string]struct {
					Value struct{ Data []types.WorkerTask }
				}
			}
		}
	}
	if err := c.get(ctx, "/remote-tasks/list", &results); err != nil {
		return err
	}
	var tasks []types.WorkerTask
	for _, remote := range results.RemoteResults {
		for _, node := range remote.Value.NodeResults {
			tasks = append(tasks, node.Value.Data...)
		}
	}
	if asJSON {
		return printJSON(tasks)
	}
	tw := newTable("UPID", "TYPE", "STATUS", "STARTED")
	for _, t := range tasks {
		tw.row(t.UPID, t.WorkerType, string(t.Status), humanize.Time(time.Unix(t.StartedAt, 0)))
	}
	return tw.flush()
}

func runTaskStatus(ctx context.Context, c *client, upid string, asJSON bool) error {
	var task types.WorkerTask
	if err := c.get(ctx, "/pve/remotes/_/tasks/"+upid+"/status", &task); err != nil {
		return err
	}
	if asJSON {
		return printJSON(task)
	}
	fmt.Printf("upid:   %s\n", task.UPID)
	fmt.Printf("status: %s\n", task.Status)
	fmt.Printf("type:   %s\n", task.WorkerType)
	return nil
}

func runTaskLog(ctx context.Context, c *client, upid string) error {
	var lines []string
	if err := c.get(ctx, "/pve/remotes/_/tasks/"+upid+"/log", &lines); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runMigrate(ctx context.Context, c *client, remote, vmid, sourceNode, targetRemote, targetNode, targetEndpoint string, deleteSource bool) error {
	body := map[string]interface{}{
		"source_node":     sourceNode,
		"target_remote":   targetRemote,
		"target_node":     targetNode,
		"target_endpoint": targetEndpoint,
		"delete_source":   deleteSource,
	}
	var upid string
	path := fmt.Sprintf("/pve/remotes/%s/qemu/%s/migrate", remote, vmid)
	if err := c.post(ctx, path, body, &upid); err != nil {
		return err
	}
	fmt.Println(upid)
	return nil
}

func runACLDigest(ctx context.Context, c *client) error {
	var out struct {
		Digest string `json:"digest"`
	}
	if err := c.get(ctx, "/access/acl", &out); err != nil {
		return err
	}
	fmt.Println(out.Digest)
	return nil
}

func runACLPut(ctx context.Context, c *client, path, role string, propagate bool, authID, group string, del bool, digest string) error {
	body := map[string]interface{}{
		"path":      path,
		"role":      role,
		"propagate": propagate,
		"authid":    authID,
		"group":     group,
		"delete":    del,
		"digest":    digest,
	}
	return c.put(ctx, "/access/acl", body, nil)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type table struct {
	w *tabwriter.Writer
}

func newTable(headers ...string) *table {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, tabJoin(headers))
	return &table{w: tw}
}

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.w, tabJoin(cols))
}

func (t *table) flush() error {
	return t.w.Flush()
}

func tabJoin(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += "\t"
		}
		out += c
	}
	return out
}
