package process

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Child is a process spawned by this dashboard instance. Children from a
// previous run are only known through the state file and never appear here.
type Child struct {
	ProjectID string
	Kind      Kind
	Pid       int
	StartedAt time.Time

	done     chan struct{}
	mu       sync.Mutex
	exitCode *int
}

func newChild(projectID string, kind Kind, pid int, startedAt time.Time) *Child {
	return &Child{
		ProjectID: projectID,
		Kind:      kind,
		Pid:       pid,
		StartedAt: startedAt,
		done:      make(chan struct{}),
	}
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the exit status once the child has been reaped.
func (c *Child) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		return 0, false
	}
	return *c.exitCode, true
}

func (c *Child) markExited(code int) {
	c.mu.Lock()
	c.exitCode = &code
	c.mu.Unlock()
	close(c.done)
}

func registryKey(projectID string, kind Kind) string {
	return fmt.Sprintf("%s/%s", projectID, kind)
}

// Registry tracks the children this instance is still reaping, keyed by
// project and kind.
type Registry struct {
	children sync.Map // map[projectID/kind]*Child
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register records c, replacing any earlier child for the same project and kind.
func (r *Registry) Register(c *Child) {
	r.children.Store(registryKey(c.ProjectID, c.Kind), c)
	log.Debugf("[REGISTRY] Registered %s child of %s (pid=%d)", c.Kind, c.ProjectID, c.Pid)
}

// Unregister removes c if it is still the current child for its key.
func (r *Registry) Unregister(c *Child) {
	if r.children.CompareAndDelete(registryKey(c.ProjectID, c.Kind), c) {
		log.Debugf("[REGISTRY] Unregistered %s child of %s (pid=%d)", c.Kind, c.ProjectID, c.Pid)
	}
}

// get returns the current child for a project and kind.
func (r *Registry) get(projectID string, kind Kind) *Child {
	if val, ok := r.children.Load(registryKey(projectID, kind)); ok {
		return val.(*Child)
	}
	return nil
}

// Count returns the number of children still being reaped.
func (r *Registry) Count() int {
	count := 0
	r.children.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}
