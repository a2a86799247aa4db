package process

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/config"
	"github.com/roeeharel/project-dashboard/internal/logs"
	"github.com/roeeharel/project-dashboard/internal/state"
)

// ErrInvalidArgument is returned when a lifecycle call is missing a required field.
var ErrInvalidArgument = errors.New("invalid argument")

const defaultShell = "/bin/sh"

// Options wires a lifecycle manager to its collaborators. Store and Logs are
// required; the rest have defaults.
type Options struct {
	// Root resolves relative project directories.
	Root     string
	Store    *state.Store
	Logs     *logs.Sink
	Signaler Signaler
	Observer Observer
	Registry *Registry

	Shell      string
	TunnelBin  string
	URLPattern *regexp.Regexp
}

// lifecycle is the part both managers share: where state lives, how output
// is recorded and how events leave the package.
type lifecycle struct {
	kind     Kind
	logType  string
	store    *state.Store
	sink     *logs.Sink
	sig      Signaler
	prober   *Prober
	observer Observer
	registry *Registry
	locks    *sync.Map // projectID -> *sync.Mutex
	spawn    spawnFunc
	now      func() time.Time
}

func newLifecycle(kind Kind, logType string, opts Options) lifecycle {
	sig := opts.Signaler
	if sig == nil {
		sig = SystemSignaler()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return lifecycle{
		kind:     kind,
		logType:  logType,
		store:    opts.Store,
		sink:     opts.Logs,
		sig:      sig,
		prober:   NewProber(sig),
		observer: observer,
		registry: registry,
		locks:    &sync.Map{},
		spawn:    spawnDetached,
		now:      time.Now,
	}
}

// lock serialises Start and Stop for one project, so the liveness check,
// the spawn and the state write happen as one step.
func (l *lifecycle) lock(projectID string) func() {
	v, _ := l.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *lifecycle) emit(ev Event) {
	ev.Kind = l.kind
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	l.observer.Observe(ev)
}

// record writes one output line to the log sink. Failures are logged and
// swallowed so a full disk never takes down the reader goroutine.
func (l *lifecycle) record(projectID, stream, line string) {
	if line != "" {
		if err := l.sink.Append(projectID, l.logType, line); err != nil {
			log.Warnf("[LOGS] Failed to append %s log for %s: %v", l.logType, projectID, err)
		}
	}
	l.emit(Event{ProjectID: projectID, Action: ActionOutput, Stream: stream, Line: line})
}

// launch spawns req and tracks the child until it is reaped.
func (l *lifecycle) launch(projectID string, req spawnRequest) (int, error) {
	tracked := make(chan *Child, 1)
	onExit := req.OnExit
	req.OnExit = func(pid, code int) {
		child := <-tracked
		child.markExited(code)
		l.registry.Unregister(child)
		log.Infof("[LIFECYCLE] %s process for %s exited (pid=%d, code=%d)", l.kind, projectID, pid, code)
		if onExit != nil {
			onExit(pid, code)
		}
	}

	pid, err := l.spawn(req)
	if err != nil {
		return 0, err
	}
	child := newChild(projectID, l.kind, pid, l.now())
	l.registry.Register(child)
	tracked <- child
	return pid, nil
}

func (l *lifecycle) isRunning(pid *int) bool {
	return l.prober.IsAlive(pid)
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidArgument)
	}
	return nil
}

// Manager runs a project's start command.
type Manager struct {
	lifecycle
	root  string
	shell string
}

func NewManager(opts Options) *Manager {
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell
	}
	return &Manager{
		lifecycle: newLifecycle(KindApp, logs.TypeApp, opts),
		root:      opts.Root,
		shell:     shell,
	}
}

// resolveDir joins relative project directories onto the configured root.
func (m *Manager) resolveDir(dir string) string {
	if filepath.IsAbs(dir) || m.root == "" {
		return dir
	}
	return filepath.Join(m.root, dir)
}

// Start spawns the project's start command unless the recorded pid is still
// alive, in which case that pid is returned and nothing is spawned.
func (m *Manager) Start(p config.Project) (int, error) {
	if p.ID == "" || p.Start == "" || p.Dir == "" {
		return 0, fmt.Errorf("%w: project requires id, start and dir", ErrInvalidArgument)
	}
	defer m.lock(p.ID)()

	rt, err := m.store.Get(p.ID)
	if err != nil {
		return 0, err
	}
	if m.isRunning(rt.Pid) {
		log.Infof("[LIFECYCLE] %s already running (pid=%d)", p.ID, *rt.Pid)
		return *rt.Pid, nil
	}

	dir := m.resolveDir(p.Dir)
	pid, err := m.launch(p.ID, spawnRequest{
		Name: m.shell,
		Args: []string{"-c", p.Start},
		Dir:  dir,
		OnLine: func(stream, line string) {
			m.record(p.ID, stream, line)
		},
		OnExit: func(pid, code int) {
			m.emit(Event{ProjectID: p.ID, Action: ActionExit, Pid: pid})
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start %s in %s: %w", p.ID, dir, err)
	}

	startedAt := m.now().UnixMilli()
	if _, err := m.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		rt.Pid = &pid
		rt.StartedAt = &startedAt
	}); err != nil {
		log.Errorf("[LIFECYCLE] %s started (pid=%d) but state was not saved: %v", p.ID, pid, err)
		return pid, err
	}

	log.Infof("[LIFECYCLE] Started %s (pid=%d, dir=%s)", p.ID, pid, dir)
	m.emit(Event{ProjectID: p.ID, Action: ActionStart, Pid: pid})
	return pid, nil
}

// Stop signals the recorded process group and clears the pid fields whether
// or not any signal was delivered. It reports whether a signal was delivered.
func (m *Manager) Stop(p config.Project) (bool, error) {
	if err := requireID(p.ID); err != nil {
		return false, err
	}
	defer m.lock(p.ID)()

	rt, err := m.store.Get(p.ID)
	if err != nil {
		return false, err
	}
	if rt.Pid == nil || *rt.Pid <= 0 {
		log.Infof("[LIFECYCLE] %s: nothing to stop", p.ID)
		return false, nil
	}

	pid := *rt.Pid
	killed := terminate(m.sig, pid, p.ID)
	if _, err := m.store.Update(p.ID, func(rt *state.ProjectRuntime) {
		rt.Pid = nil
		rt.StartedAt = nil
	}); err != nil {
		return killed, err
	}

	log.Infof("[LIFECYCLE] Stopped %s (pid=%d, signalled=%t)", p.ID, pid, killed)
	m.emit(Event{ProjectID: p.ID, Action: ActionStop, Pid: pid, Killed: killed})
	return killed, nil
}

// IsRunning reports whether the recorded pid for id is alive.
func (m *Manager) IsRunning(id string) (bool, error) {
	pid, err := m.Pid(id)
	return pid != nil, err
}

// Pid returns the recorded pid for id if it is alive, otherwise nil.
func (m *Manager) Pid(id string) (*int, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	rt, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !m.isRunning(rt.Pid) {
		return nil, nil
	}
	return rt.Pid, nil
}
