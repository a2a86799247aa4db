package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/metrics"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/server"
	"github.com/roeeharel/project-dashboard/internal/session"
	"github.com/roeeharel/project-dashboard/internal/state"
	"github.com/roeeharel/project-dashboard/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API, websocket feed and frontend",
	Long: `Serve the dashboard on the port from the project config (or --port).

Spawned dev servers and tunnels are detached from this process and keep
running after it exits; the next instance picks them up from the state file.

Example:
  dashboard serve
  dashboard serve --config ~/dev/dashboard.config.yaml --port 4100
`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String(config.KeyState, "", "runtime state file (default .dashboard/state.json)")
	flags.String(config.KeyLogDir, "", "directory for per-project log files (default .dashboard/logs)")
	flags.String(config.KeyProjectsRoot, "", "root for relative project dirs (default the config file's directory)")
	flags.String(config.KeyStaticDir, "", "frontend bundle directory (default public)")
	flags.String(config.KeyHistoryDB, "", "sqlite lifecycle history database (default .dashboard/history.db)")
	flags.String(config.KeyEnv, "", "environment name; production hides error diagnostics (default development)")
	flags.String(config.KeyHost, "", "listen host (default 127.0.0.1)")
	flags.Int(config.KeyPort, 0, "listen port; overrides the config file's port")
	flags.String(config.KeyTunnelBin, "", "tunnel helper binary (default cloudflared)")

	for _, key := range []string{
		config.KeyState, config.KeyLogDir, config.KeyProjectsRoot, config.KeyStaticDir,
		config.KeyHistoryDB, config.KeyEnv, config.KeyHost, config.KeyPort, config.KeyTunnelBin,
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := config.LoadSettings(viper.GetViper())

	loader, err := config.NewLoader(settings.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := state.NewStore(settings.StatePath)
	sink := logs.NewSink(settings.LogDir)
	registry := process.NewRegistry()
	events := &process.Fanout{}
	signaler := process.SystemSignaler()

	procOpts := process.Options{
		Root:      settings.ProjectsRoot,
		Store:     store,
		Logs:      sink,
		Signaler:  signaler,
		Observer:  events,
		Registry:  registry,
		TunnelBin: settings.TunnelBin,
	}
	apps := process.NewManager(procOpts)
	tunnels := process.NewTunnelManager(procOpts)

	history, err := storage.NewStore(settings.HistoryDB)
	if err != nil {
		log.Warnf("[HISTORY] History disabled: %v", err)
		history = nil
	} else {
		defer history.Close()
	}

	collector := metrics.NewCollector("")
	collector.Gauge("", "tracked_children", "Children spawned by this instance that are still running",
		func() float64 { return float64(registry.Count()) })

	port := settings.PortOverride
	if port == 0 {
		port = loader.Current().Port
	}

	srv := server.New(server.Options{
		Env:       settings.Env,
		Port:      port,
		StaticDir: settings.StaticDir,
		Loader:    loader,
		State:     store,
		Logs:      sink,
		Apps:      apps,
		Tunnels:   tunnels,
		Liveness:  process.NewProber(signaler),
		History:   history,
		Sessions:  session.NewManager(),
		Metrics:   collector,
		Events:    events,
	})

	log.Infof("[LIFECYCLE] Dashboard starting: env=%s config=%s state=%s projects=%d",
		settings.Env, settings.ConfigPath, settings.StatePath, len(loader.Current().Projects))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(settings.ListenHost, strconv.Itoa(port))
	return srv.ListenAndServe(ctx, addr)
}
