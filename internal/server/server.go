package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/metrics"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/protocol"
	"github.com/roeeharel/project-dashboard/internal/session"
	"github.com/roeeharel/project-dashboard/internal/state"
	"github.com/roeeharel/project-dashboard/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Lifecycle starts and stops one kind of process for a project.
type Lifecycle interface {
	Start(p config.Project) (int, error)
	Stop(p config.Project) (bool, error)
}

// Liveness reports whether a recorded pid is alive.
type Liveness interface {
	IsAlive(pid *int) bool
}

// Options wires the server to the rest of the dashboard. History may be nil.
type Options struct {
	Env       string
	Port      int
	StaticDir string

	Loader   *config.Loader
	State    *state.Store
	Logs     *logs.Sink
	Apps     Lifecycle
	Tunnels  Lifecycle
	Liveness Liveness
	History  *storage.Store
	Sessions *session.Manager
	Metrics  *metrics.Collector
	// Events, when set, delivers lifecycle events to the server.
	Events *process.Fanout
}

// Server is the dashboard's HTTP API, websocket feed and static frontend.
type Server struct {
	env        string
	production bool
	port       int

	loader   *config.Loader
	state    *state.Store
	logs     *logs.Sink
	apps     Lifecycle
	tunnels  Lifecycle
	liveness Liveness
	history  *storage.Store
	sessions *session.Manager
	metrics  *metrics.Collector

	router   *mux.Router
	static   *staticHandler
	upgrader websocket.Upgrader
}

// New creates the server and registers it for lifecycle events.
func New(opts Options) *Server {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector("")
	}

	s := &Server{
		env:        opts.Env,
		production: config.Settings{Env: opts.Env}.IsProduction(),
		port:       opts.Port,
		loader:     opts.Loader,
		state:      opts.State,
		logs:       opts.Logs,
		apps:       opts.Apps,
		tunnels:    opts.Tunnels,
		liveness:   opts.Liveness,
		history:    opts.History,
		sessions:   sessions,
		metrics:    collector,
		router:     mux.NewRouter(),
		static:     newStaticHandler(opts.StaticDir),
		upgrader: websocket.Upgrader{
			// The dashboard binds to localhost; the frontend may be served
			// from a dev server on another port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	collector.Gauge("", "websocket_sessions", "Connected dashboard websocket sessions",
		func() float64 { return float64(sessions.Count()) })

	if opts.Events != nil {
		opts.Events.Add(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		s.corsMiddleware,
		s.bodyLimitMiddleware,
	)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/projects", s.handle(s.listProjects)).Methods("GET")
	api.HandleFunc("/projects/{id}", s.handle(s.getProject)).Methods("GET")
	api.HandleFunc("/projects/{id}/start", s.handle(s.startProject)).Methods("POST")
	api.HandleFunc("/projects/{id}/stop", s.handle(s.stopProject)).Methods("POST")
	api.HandleFunc("/projects/{id}/tunnel-start", s.handle(s.startTunnel)).Methods("POST")
	api.HandleFunc("/projects/{id}/tunnel-stop", s.handle(s.stopTunnel)).Methods("POST")
	api.HandleFunc("/projects/{id}/logs", s.handle(s.readLogs)).Methods("GET")
	api.HandleFunc("/projects/{id}/logs", s.handle(s.clearLogs)).Methods("DELETE")
	api.HandleFunc("/projects/{id}/history", s.handle(s.listHistory)).Methods("GET")
	api.HandleFunc("/config", s.handle(s.getConfig)).Methods("GET")
	api.HandleFunc("/config/reload", s.handle(s.reloadConfig)).Methods("POST")
	// Unknown API paths must not fall through to the SPA.
	api.PathPrefix("/").Handler(s.handle(func(http.ResponseWriter, *http.Request) error {
		return errRouteNotFound
	}))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	s.router.PathPrefix("/").Handler(s.static)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting, lets in-flight requests finish and returns. Spawned projects
// and tunnels are left running.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Infof("[HTTP] Dashboard listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infof("[HTTP] Shutting down...")
	// Hijacked websocket connections are invisible to Shutdown.
	s.sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Infof("[HTTP] Shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}
