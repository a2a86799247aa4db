package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/process"
	"github.com/roeeharel/project-dashboard/internal/protocol"
	"github.com/roeeharel/project-dashboard/internal/storage"
)

const historyWriteTimeout = 2 * time.Second

// Observe turns lifecycle events into history rows, metrics and websocket
// pushes. It runs on whichever goroutine emitted the event.
func (s *Server) Observe(ev process.Event) {
	switch ev.Action {
	case process.ActionOutput:
		s.pushLogLine(ev)
		return
	case process.ActionURL:
		s.metrics.URLCaptured()
		s.push(ev.ProjectID, protocol.TypeTunnelURL, protocol.TunnelURLPayload{ProjectID: ev.ProjectID, URL: ev.URL}, false)
	case process.ActionExit:
		s.metrics.Exit(string(ev.Kind))
	}

	s.recordHistory(ev)
	s.pushStatus(ev)
}

func (s *Server) recordHistory(ev process.Event) {
	if s.history == nil {
		return
	}
	e := storage.Entry{
		ProjectID: ev.ProjectID,
		Kind:      string(ev.Kind),
		Action:    string(ev.Action),
		At:        ev.At.UnixMilli(),
	}
	if ev.Pid > 0 {
		pid := ev.Pid
		e.Pid = &pid
	}
	if ev.URL != "" {
		url := ev.URL
		e.URL = &url
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if _, err := s.history.Record(ctx, e); err != nil {
		log.Warnf("[HISTORY] Failed to record %s %s for %s: %v", ev.Kind, ev.Action, ev.ProjectID, err)
	}
}

func (s *Server) pushStatus(ev process.Event) {
	p, ok := s.loader.Current().FindProject(ev.ProjectID)
	if !ok {
		return
	}
	st, err := s.status(p)
	if err != nil {
		log.Warnf("[WS] Could not build status for %s: %v", ev.ProjectID, err)
		return
	}
	s.push(ev.ProjectID, protocol.TypeProjectStatus, protocol.ProjectStatusPayload{
		Project: st,
		Reason:  string(ev.Kind) + "_" + string(ev.Action),
	}, false)
}

func (s *Server) pushLogLine(ev process.Event) {
	typ := logs.TypeApp
	if ev.Kind == process.KindTunnel {
		typ = logs.TypeTunnel
	}
	s.push(ev.ProjectID, protocol.TypeLogLine, protocol.LogLinePayload{
		ProjectID: ev.ProjectID,
		Type:      typ,
		Stream:    ev.Stream,
		Line:      ev.Line,
	}, true)
}

func (s *Server) push(projectID, msgType string, payload interface{}, isLog bool) {
	if s.sessions.Count() == 0 {
		return
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		log.Errorf("[WS] Failed to build %s message: %v", msgType, err)
		return
	}
	s.sessions.Broadcast(projectID, msg, isLog)
}
