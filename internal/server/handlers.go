package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/metrics"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/protocol"
	"github.com/roeeharel/project-dashboard/internal/state"
	"github.com/roeeharel/project-dashboard/internal/storage"
)

// status joins a project definition with its live runtime state. Recorded
// pids whose process is gone are reported as null.
func (s *Server) status(p config.Project) (protocol.ProjectStatus, error) {
	rt, err := s.state.Get(p.ID)
	if err != nil {
		return protocol.ProjectStatus{}, err
	}
	return s.statusFrom(p, rt), nil
}

func (s *Server) statusFrom(p config.Project, rt state.ProjectRuntime) protocol.ProjectStatus {
	st := protocol.ProjectStatus{
		ID:         p.ID,
		Name:       p.Name,
		Dir:        p.Dir,
		Start:      p.Start,
		Port:       p.Port,
		TunnelPort: p.EffectiveTunnelPort(),
	}
	if s.liveness.IsAlive(rt.Pid) {
		st.Running = true
		st.Pid = rt.Pid
		st.StartedAt = rt.StartedAt
	}
	if s.liveness.IsAlive(rt.TunnelPid) {
		st.TunnelRunning = true
		st.TunnelPid = rt.TunnelPid
		st.TunnelStartedAt = rt.TunnelStartedAt
		st.TunnelURL = rt.TunnelURL
	}
	return st
}

// project resolves the {id} path variable against the current config.
func (s *Server) project(r *http.Request) (config.Project, error) {
	p, ok := s.loader.Current().FindProject(mux.Vars(r)["id"])
	if !ok {
		return config.Project{}, errProjectNotFound
	}
	return p, nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) error {
	doc, err := s.state.Load()
	if err != nil {
		return err
	}
	cfg := s.loader.Current()
	projects := make([]protocol.ProjectStatus, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, s.statusFrom(p, doc.Runtime(p.ID)))
	}
	writeJSON(w, http.StatusOK, protocol.ProjectListResponse{Projects: projects})
	return nil
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}
	return s.writeStatus(w, p)
}

func (s *Server) writeStatus(w http.ResponseWriter, p config.Project) error {
	st, err := s.status(p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, protocol.ProjectResponse{Project: st})
	return nil
}

func (s *Server) startProject(w http.ResponseWriter, r *http.Request) error {
	return s.start(w, r, process.KindApp, s.apps, func(rt state.ProjectRuntime) *int { return rt.Pid })
}

func (s *Server) startTunnel(w http.ResponseWriter, r *http.Request) error {
	return s.start(w, r, process.KindTunnel, s.tunnels, func(rt state.ProjectRuntime) *int { return rt.TunnelPid })
}

func (s *Server) stopProject(w http.ResponseWriter, r *http.Request) error {
	return s.stop(w, r, process.KindApp, s.apps, func(rt state.ProjectRuntime) *int { return rt.Pid })
}

func (s *Server) stopTunnel(w http.ResponseWriter, r *http.Request) error {
	return s.stop(w, r, process.KindTunnel, s.tunnels, func(rt state.ProjectRuntime) *int { return rt.TunnelPid })
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, kind process.Kind, lc Lifecycle, pidOf func(state.ProjectRuntime) *int) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}
	before, err := s.state.Get(p.ID)
	if err != nil {
		return err
	}

	result := metrics.ResultStarted
	if s.liveness.IsAlive(pidOf(before)) {
		result = metrics.ResultAlreadyRunning
	}
	if _, err := lc.Start(p); err != nil {
		s.metrics.Operation(string(kind), "start", metrics.ResultError)
		return err
	}
	s.metrics.Operation(string(kind), "start", result)
	return s.writeStatus(w, p)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, kind process.Kind, lc Lifecycle, pidOf func(state.ProjectRuntime) *int) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}
	before, err := s.state.Get(p.ID)
	if err != nil {
		return err
	}

	killed, err := lc.Stop(p)
	if err != nil {
		s.metrics.Operation(string(kind), "stop", metrics.ResultError)
		return err
	}
	switch {
	case pidOf(before) == nil:
		s.metrics.Operation(string(kind), "stop", metrics.ResultNothingToStop)
	case killed:
		s.metrics.Operation(string(kind), "stop", metrics.ResultSignalled)
	default:
		s.metrics.Operation(string(kind), "stop", metrics.ResultNotSignalled)
	}
	return s.writeStatus(w, p)
}

func (s *Server) readLogs(w http.ResponseWriter, r *http.Request) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}

	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = logs.TypeApp
	}
	if !logs.IsValidType(typ) {
		return badRequest("Invalid log type %q: must be app or tunnel", typ)
	}

	maxBytes := logs.DefaultMaxBytes
	if raw := q.Get("maxBytes"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return badRequest("Invalid maxBytes %q: must be a non-negative integer", raw)
		}
		maxBytes = n
	}

	out, err := s.logs.Read(p.ID, typ, maxBytes)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, protocol.LogsResponse{Logs: out})
	return nil
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}
	if err := s.logs.Clear(p.ID); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.Clear(r.Context(), p.ID); err != nil {
			return err
		}
	}
	log.Infof("[LOGS] Cleared logs for %s", p.ID)
	writeJSON(w, http.StatusOK, protocol.ClearLogsResponse{Cleared: true})
	return nil
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) error {
	p, err := s.project(r)
	if err != nil {
		return err
	}

	limit := storage.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > storage.MaxLimit {
			return badRequest("Invalid limit %q: must be an integer between 1 and %d", raw, storage.MaxLimit)
		}
		limit = n
	}

	resp := protocol.HistoryResponse{ProjectID: p.ID, History: []protocol.HistoryEntry{}}
	if s.history != nil {
		entries, err := s.history.List(r.Context(), p.ID, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			resp.History = append(resp.History, protocol.HistoryEntry{
				ID:     e.ID,
				Kind:   e.Kind,
				Action: e.Action,
				Pid:    e.Pid,
				URL:    e.URL,
				At:     e.At,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) error {
	port := s.port
	if port == 0 {
		port = s.loader.Current().Port
	}
	writeJSON(w, http.StatusOK, protocol.ConfigResponse{Port: port, Env: s.env})
	return nil
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) error {
	cfg, err := s.loader.Reload()
	if err != nil {
		log.Warnf("[CONFIG] Reload failed, keeping previous config: %v", err)
		return err
	}
	writeJSON(w, http.StatusOK, protocol.ReloadResponse{Projects: len(cfg.Projects)})
	return nil
}
