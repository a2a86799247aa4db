package process

import (
	"fmt"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/scanner"
	"github.com/roeeharel/project-dashboard/internal/state"
)

const defaultTunnelBin = "cloudflared"

// TunnelArgs is the argument list handed to the tunnel helper for a local port.
func TunnelArgs(port int) []string {
	return []string{"tunnel", "--no-autoupdate", "--url", fmt.Sprintf("http://localhost:%d", port)}
}

// TunnelManager runs a tunnel helper per project and records the public URL
// it announces.
type TunnelManager struct {
	lifecycle
	bin     string
	pattern *regexp.Regexp
}

func NewTunnelManager(opts Options) *TunnelManager {
	bin := opts.TunnelBin
	if bin == "" {
		bin = defaultTunnelBin
	}
	pattern := opts.URLPattern
	if pattern == nil {
		pattern = scanner.TunnelURLPattern
	}
	return &TunnelManager{
		lifecycle: newLifecycle(KindTunnel, logs.TypeTunnel, opts),
		bin:       bin,
		pattern:   pattern,
	}
}

// Start spawns the tunnel helper for the project's tunnel port unless one is
// already alive. A URL left over from an earlier tunnel is cleared first so a
// new capture is never mixed with a stale one.
func (t *TunnelManager) Start(p config.Project) (int, error) {
	if err := requireID(p.ID); err != nil {
		return 0, err
	}
	port := p.EffectiveTunnelPort()
	if port <= 0 || port > config.MaxPort {
		return 0, fmt.Errorf("%w: tunnel port %d is out of range", ErrInvalidArgument, port)
	}
	defer t.lock(p.ID)()

	rt, err := t.store.Get(p.ID)
	if err != nil {
		return 0, err
	}
	if t.isRunning(rt.TunnelPid) {
		log.Infof("[TUNNEL] %s tunnel already running (pid=%d)", p.ID, *rt.TunnelPid)
		return *rt.TunnelPid, nil
	}
	if rt.TunnelURL != nil || rt.TunnelURLAt != nil {
		if _, err := t.store.Update(p.ID, func(rt *state.ProjectRuntime) {
			rt.TunnelURL = nil
			rt.TunnelURLAt = nil
		}); err != nil {
			return 0, err
		}
	}

	capture := scanner.NewURLCapture(t.pattern, func(url string) {
		t.recordURL(p.ID, url)
	})
	pid, err := t.launch(p.ID, spawnRequest{
		Name: t.bin,
		Args: TunnelArgs(port),
		OnLine: func(stream, line string) {
			t.record(p.ID, stream, line)
			capture.Feed(line)
		},
		OnExit: func(pid, code int) {
			t.emit(Event{ProjectID: p.ID, Action: ActionExit, Pid: pid})
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start tunnel for %s: %w", p.ID, err)
	}

	startedAt := t.now().UnixMilli()
	if _, err := t.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		rt.TunnelPid = &pid
		rt.TunnelStartedAt = &startedAt
	}); err != nil {
		log.Errorf("[TUNNEL] %s tunnel started (pid=%d) but state was not saved: %v", p.ID, pid, err)
		return pid, err
	}

	log.Infof("[TUNNEL] Started tunnel for %s -> localhost:%d (pid=%d)", p.ID, port, pid)
	t.emit(Event{ProjectID: p.ID, Action: ActionStart, Pid: pid})
	return pid, nil
}

func (t *TunnelManager) recordURL(projectID, url string) {
	at := t.now().UnixMilli()
	if _, err := t.store.Update(projectID, func(rt *state.ProjectRuntime) {
		rt.TunnelURL = &url
		rt.TunnelURLAt = &at
	}); err != nil {
		log.Warnf("[TUNNEL] Captured %s for %s but could not save it: %v", url, projectID, err)
		return
	}
	log.Infof("[TUNNEL] %s is public at %s", projectID, url)
	t.emit(Event{ProjectID: projectID, Action: ActionURL, URL: url})
}

// Stop signals the tunnel's process group and clears every tunnel field.
func (t *TunnelManager) Stop(p config.Project) (bool, error) {
	if err := requireID(p.ID); err != nil {
		return false, err
	}
	defer t.lock(p.ID)()

	rt, err := t.store.Get(p.ID)
	if err != nil {
		return false, err
	}
	if rt.TunnelPid == nil || *rt.TunnelPid <= 0 {
		log.Infof("[TUNNEL] %s: nothing to stop", p.ID)
		return false, nil
	}

	pid := *rt.TunnelPid
	killed := terminate(t.sig, pid, p.ID+" tunnel")
	if _, err := t.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		rt.TunnelPid = nil
		rt.TunnelStartedAt = nil
		rt.TunnelURL = nil
		rt.TunnelURLAt = nil
	}); err != nil {
		return killed, err
	}

	log.Infof("[TUNNEL] Stopped tunnel for %s (pid=%d, signalled=%t)", p.ID, pid, killed)
	t.emit(Event{ProjectID: p.ID, Action: ActionStop, Pid: pid, Killed: killed})
	return killed, nil
}

// IsRunning reports whether the recorded tunnel pid for id is alive.
func (t *TunnelManager) IsRunning(id string) (bool, error) {
	pid, err := t.Pid(id)
	return pid != nil, err
}

// Pid returns the recorded tunnel pid for id if it is alive, otherwise nil.
func (t *TunnelManager) Pid(id string) (*int, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	rt, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.isRunning(rt.TunnelPid) {
		return nil, nil
	}
	return rt.TunnelPid, nil
}

// URL returns the stored public URL only while the tunnel is alive.
func (t *TunnelManager) URL(id string) (*string, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	rt, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.isRunning(rt.TunnelPid) {
		return nil, nil
	}
	return rt.TunnelURL, nil
}
