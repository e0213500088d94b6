// Command vhubd runs the hub server: it loads configuration from a
// directory (VERLIHUB_CFG or -d), opens the SQLite store, and listens for
// NMDC connections on the configured port plus a read-only admin HTTP
// surface.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/net/netutil"

	"github.com/vhubd/vhubd/internal/config"
	"github.com/vhubd/vhubd/internal/hub"
	"github.com/vhubd/vhubd/internal/store"
)

// Version is the current build's version string, set at build time via
// -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], config.ResolveDir("")) {
			return
		}
	}

	dir := flag.String("d", "", "configuration directory (overrides "+config.EnvDir+")")
	adminAddr := flag.String("admin-addr", ":4112", "read-only admin HTTP listen address (empty to disable)")
	verbose := flag.Bool("v", false, "enable debug-level logging")
	syslogOn := flag.Bool("S", false, "send logs to syslog instead of stderr")
	syslogSuffix := flag.String("s", "", "syslog tag suffix")
	flag.Parse()

	configureLogging(*verbose, *syslogOn, *syslogSuffix)

	cfgDir := config.ResolveDir(*dir)
	cfg, err := config.Load(cfgDir)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}

	if port := flag.Arg(0); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatalf("[config] invalid listen port %q: %v", port, err)
		}
		cfg.ListenPort = p
	}

	dbPath := filepath.Join(cfgDir, "vhubd.db")
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	srv := hub.New(cfg, st, nil, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	ignoreNoisySignals()
	go watchReload(ctx, cfgDir, func(c config.Config) { cfg = c })

	listenAddr := net.JoinHostPort(cfg.HubListenHost, strconv.Itoa(cfg.ListenPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("[hub] listen %s: %v", listenAddr, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	slog.Info("vhubd listening", "addr", listenAddr, "version", Version, "max_connections", cfg.MaxConnections)

	go acceptLoop(ctx, ln, srv)

	if *adminAddr != "" {
		admin := hub.NewAdminServer(srv, st)
		go admin.Run(ctx, *adminAddr)
		slog.Info("admin surface listening", "addr", *adminAddr)
	}

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[hub] %v", err)
	}
	_ = ln.Close()
}

func acceptLoop(ctx context.Context, ln net.Listener, srv *hub.Server) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		srv.Accept(ctx, nc)
	}
}

// watchReload re-reads hub.yaml on SIGHUP and hands the new Config to
// apply. The dispatcher/registry/flood/ban components built at startup
// keep their own copies of the settings they need; a full reload that
// re-wires every component requires restarting the process, the same
// limitation the reference hub's own config editor has for settings that
// affect already-constructed objects.
func watchReload(ctx context.Context, dir string, apply func(config.Config)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			cfg, err := config.Load(dir)
			if err != nil {
				slog.Warn("config reload failed", "err", err)
				continue
			}
			apply(cfg)
			slog.Info("config reloaded")
		}
	}
}

func ignoreNoisySignals() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGIO)
}

func configureLogging(verbose, useSyslog bool, suffix string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if useSyslog {
		w, err := newSyslogWriter(suffix)
		if err != nil {
			log.Printf("[log] syslog unavailable, falling back to stderr: %v", err)
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
			return
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
