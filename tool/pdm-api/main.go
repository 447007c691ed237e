// Command pdm-api is the public daemon (C13): it terminates TLS on the
// network-facing listener and reverse-proxies every request to the
// privileged daemon's Unix socket, where the real lib/web.Router runs
// against remotes.cfg, acl.cfg, and ACME state. pdm-api itself never
// touches those files — it only owns the TLS certificate pair pdmd
// refreshes after a successful ACME operation, and the command socket
// pdmd uses to tell it to reload that pair.
package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/zmb3/pdm/lib/service"
	"github.com/zmb3/pdm/lib/utils"
)

type cliFlags struct {
	listenAddr    string
	socketPath    string
	cmdSocketPath string
	certPath      string
	keyPath       string
	insecure      bool
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
		log.WithError(err).Error("pdm-api exited with error")
		os.Exit(1)
	}
}

func parseFlags(args []string) cliFlags {
	app := utils.InitCLIParser("pdm-api", "Public fleet-manager API daemon.")
	var flags cliFlags
	app.Flag("listen", "Address the public API listens on.").
		Default(":8443").StringVar(&flags.listenAddr)
	app.Flag("socket", "Path to the privileged daemon's Unix socket.").
		Default("/run/pdm/pdmd.sock").StringVar(&flags.socketPath)
	app.Flag("command-socket", "Path this daemon's command socket binds to; pdmd pushes reload-certificate here.").
		Default("/run/pdm/pdm-api-cmd.sock").StringVar(&flags.cmdSocketPath)
	app.Flag("cert", "TLS certificate path, refreshed by pdmd after ACME renewal.").
		Default("/var/lib/pdm/pdm.crt").StringVar(&flags.certPath)
	app.Flag("key", "TLS key path, refreshed by pdmd after ACME renewal.").
		Default("/var/lib/pdm/pdm.key").StringVar(&flags.keyPath)
	app.Flag("insecure-no-tls", "Serve plaintext; for local bootstrapping before a certificate exists.").
		BoolVar(&flags.insecure)
	app.Flag("debug", "Enable debug logging.").BoolVar(&flags.debug)

	utils.UpdateAppUsageTemplate(app, args)
	if _, err := app.Parse(args); err != nil {
		utils.FatalError(err)
	}
	return flags
}

func run(flags cliFlags) error {
	handler := newPrivilegedSocketProxy(flags.socketPath)

	var tlsConfig *tls.Config
	if !flags.insecure {
		cert, err := tls.LoadX509KeyPair(flags.certPath, flags.keyPath)
		if err != nil {
			return trace.Wrap(err, "loading initial TLS certificate")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	acceptor, err := service.ListenTLSOptional(flags.listenAddr, tlsConfig)
	if err != nil {
		return trace.Wrap(err, "binding public listener")
	}

	daemon := service.NewPublicDaemon(acceptor, handler, flags.certPath, flags.keyPath)
	if err := daemon.ListenCommandSocket(flags.cmdSocketPath); err != nil {
		return trace.Wrap(err, "binding command socket")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go daemon.WaitForReloadSignal(ctx)

	go waitForShutdown(cancel)

	if err := daemon.Serve(ctx); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
}

// newPrivilegedSocketProxy builds the reverse proxy that forwards every
// public request onto the privileged daemon's REST handler over a Unix
// socket. There is exactly one router implementation (lib/web.Router);
// this daemon's only job is to get bytes to it over TLS.
func newPrivilegedSocketProxy(socketPath string) http.Handler {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = "pdmd"
		},
		Transport: transport,
	}
	return proxy
}
