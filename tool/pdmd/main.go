// Command pdmd is the privileged daemon (C12): it owns remotes.cfg, the ACL
// file, and ACME account/plugin/certificate state, serving them only over a
// group-restricted Unix socket that tool/pdm-api forwards privileged calls
// onto. It also drives every background task that does not run as the
// public daemon: node-name discovery, metric collection, and the
// update-summary refresh.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/zmb3/pdm/api/types"
	"github.com/zmb3/pdm/lib/acl"
	"github.com/zmb3/pdm/lib/acme"
	"github.com/zmb3/pdm/lib/config"
	"github.com/zmb3/pdm/lib/connection"
	"github.com/zmb3/pdm/lib/discovery"
	"github.com/zmb3/pdm/lib/fetcher"
	"github.com/zmb3/pdm/lib/metrics"
	"github.com/zmb3/pdm/lib/migration"
	"github.com/zmb3/pdm/lib/native"
	"github.com/zmb3/pdm/lib/remotecache"
	"github.com/zmb3/pdm/lib/scheduler"
	"github.com/zmb3/pdm/lib/service"
	"github.com/zmb3/pdm/lib/tasks"
	"github.com/zmb3/pdm/lib/updates"
	"github.com/zmb3/pdm/lib/utils"
	"github.com/zmb3/pdm/lib/web"
)

// config file and directory names, relative to --data-dir.
const (
	remotesFile      = "remotes.cfg"
	aclFile          = "acl.cfg"
	acmeAccountsFile = "acme-accounts.json"
	acmePluginsFile  = "acme-plugins.json"
	acmeCertFile     = "pdm.crt"
	acmeKeyFile      = "pdm.key"
	remoteCacheFile  = "remote-cache.json"
	metricStateFile  = "metric-state.json"
	rrdDir           = "rrd"
	updatesCacheFile = "updates.json"
)

// Stamped at build time via -ldflags "-X main.version=... -X main.release=... -X main.repoID=...".
var (
	version = "dev"
	release = "0"
	repoID  = ""
)

type cliFlags struct {
	dataDir       string
	socketPath    string
	apiGroup      string
	cmdSocketPath string
	acmeCA        string
	acmeEmail     string
	debug         bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	level := log.InfoLevel
	if flags.debug {
		level = log.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)

	if err := run(flags); err != nil {
		log.WithError(err).Error("pdmd exited with error")
		os.Exit(1)
	}
}

func parseFlags(args []string) cliFlags {
	app := utils.InitCLIParser("pdmd", "Privileged fleet-manager daemon.")
	var flags cliFlags
	app.Flag("data-dir", "Directory holding remotes.cfg, acl.cfg, and ACME state.").
		Default("/var/lib/pdm").StringVar(&flags.dataDir)
	app.Flag("socket", "Path to the privileged Unix socket.").
		Default("/run/pdm/pdmd.sock").StringVar(&flags.socketPath)
	app.Flag("api-group", "Group the public daemon runs as; chowned onto the socket.").
		Default("pdm-api").StringVar(&flags.apiGroup)
	app.Flag("command-socket", "Path to the public daemon's command socket, used to push reload-certificate after ACME operations.").
		Default("/run/pdm/pdm-api-cmd.sock").StringVar(&flags.cmdSocketPath)
	app.Flag("acme-ca", "ACME directory URL.").
		Default(acme.LetsEncryptProductionCA).StringVar(&flags.acmeCA)
	app.Flag("acme-email", "Contact email for ACME account registration.").
		StringVar(&flags.acmeEmail)
	app.Flag("debug", "Enable debug logging.").BoolVar(&flags.debug)

	utils.UpdateAppUsageTemplate(app, args)
	if _, err := app.Parse(args); err != nil {
		utils.FatalError(err)
	}
	return flags
}

func run(flags cliFlags) error {
	if err := os.MkdirAll(flags.dataDir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	path := func(name string) string { return flags.dataDir + "/" + name }

	directory := config.NewRemoteDirectory(path(remotesFile))
	aclTree, err := acl.Load(path(aclFile))
	if err != nil {
		return trace.Wrap(err, "loading acl.cfg")
	}

	connFactory, err := connection.NewFactory(64)
	if err != nil {
		return trace.Wrap(err)
	}
	nativeClient := native.NewPVE(connFactory)

	orchestrator := migration.New(directory, aclTree, nativeClient)
	taskProxy := tasks.NewProxy(fetcher.New(0, 0), nativeClient.ListNodes, nativeClient.ListTasks, nativeClient.TaskStatus, nativeClient.TaskLog)
	updateCache := updates.NewCache(path(updatesCacheFile))

	versionCounter := &scheduler.VersionCounter{}
	remoteCache := remotecache.New(path(remoteCacheFile), versionCounter)

	accounts := acme.NewAccountStore(path(acmeAccountsFile))
	plugins := acme.NewPluginStore(path(acmePluginsFile))
	certs := acme.NewCertStore(path(acmeCertFile), path(acmeKeyFile))
	issuer := acme.NewIssuer(flags.acmeCA, flags.acmeEmail)
	workerTracker := tasks.NewWorkerTracker()
	acmeMgr := acme.NewManager(accounts, plugins, certs, issuer, workerTracker,
		func() error { return service.SendReloadCertificate(flags.cmdSocketPath) })

	rrd := metrics.NewRRDStore(path(rrdDir))
	listRemotes := func() []types.Remote {
		snap, err := directory.List()
		if err != nil {
			return nil
		}
		return snap.Remotes
	}
	promCollector := metrics.NewPrometheusCollector(rrd, listRemotes)
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(promCollector)

	router := web.New(directory, aclTree, orchestrator, taskProxy, updateCache,
		fetcher.New(0, 0), nativeClient.ListNodes, nativeClient.Resources, acmeMgr,
		web.BuildInfo{Version: version, Release: release, RepoID: repoID},
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	ln, err := service.BindPrivilegedSocket(flags.socketPath, flags.apiGroup)
	if err != nil {
		return trace.Wrap(err, "binding privileged socket")
	}
	privileged := service.NewPrivilegedDaemon(ln, service.HTTPConnRouter{Handler: router})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	go rrd.Run(ctx.Done())
	runBackgroundTasks(ctx, clock, directory, remoteCache, updateCache, nativeClient, rrd, path)

	go func() {
		if err := privileged.Serve(); err != nil {
			log.WithError(err).Error("privileged daemon stopped serving")
		}
	}()

	waitForShutdown(cancel, privileged)
	return nil
}

// runBackgroundTasks starts node-name discovery, metric collection, and the
// minute-aligned update refresh. All three read remotes.cfg through
// directory.List rather than caching a snapshot, so an edit made through
// the privileged router takes effect on the next tick.
func runBackgroundTasks(
	ctx context.Context,
	clock clockwork.Clock,
	directory *config.RemoteDirectory,
	remoteCache *remotecache.Cache,
	updateCache *updates.Cache,
	nativeClient *native.PVE,
	rrd *metrics.RRDStore,
	path func(string) string,
) {
	listRemotes := func() ([]types.Remote, string, error) {
		snap, err := directory.List()
		if err != nil {
			return nil, "", err
		}
		return snap.Remotes, snap.Digest.String(), nil
	}

	discoveryTask := discovery.New(listRemotes, remoteCache, nativeClient.ClusterStatus, clock)
	go discoveryTask.Run(ctx)

	state, err := metrics.LoadState(path(metricStateFile))
	if err != nil {
		log.WithError(err).Error("failed to load metric collection state")
		return
	}
	metricsTask := metrics.NewTask(state, rrd, nativeClient.Metrics, clock, func() []types.Remote {
		snap, err := directory.List()
		if err != nil {
			return nil
		}
		return snap.Remotes
	})
	go metricsTask.Run(ctx)

	f := fetcher.New(0, 0)
	go scheduler.Run(ctx, clock, "updates", func(tickCtx context.Context) {
		snap, err := directory.List()
		if err != nil {
			log.WithError(err).Warn("failed to read remotes.cfg for update refresh")
			return
		}
		if err := updates.Refresh(tickCtx, updateCache, f, snap.Remotes, nativeClient.ListNodes, nativeClient.NodeUpdates); err != nil {
			log.WithError(err).Warn("update summary refresh failed")
		}
	})
}

func waitForShutdown(cancel context.CancelFunc, privileged *service.PrivilegedDaemon) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
	privileged.Close()
}
