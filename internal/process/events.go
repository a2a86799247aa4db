package process

import (
	"sync"
	"time"
)

// Kind distinguishes the two independent lifecycles a project has.
type Kind string

const (
	KindApp    Kind = "app"
	KindTunnel Kind = "tunnel"
)

// Action is what happened.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionURL    Action = "url"
	ActionOutput Action = "output"
	// ActionExit is emitted when a child spawned by this instance is reaped.
	ActionExit Action = "exit"
)

// Event describes one lifecycle change or output line.
type Event struct {
	ProjectID string
	Kind      Kind
	Action    Action
	Pid       int
	URL       string
	Stream    string
	Line      string
	// Killed is set on stop events: whether any signal was delivered.
	Killed bool
	At     time.Time
}

// Observer receives events. Implementations must not block for long; output
// events arrive on the goroutines draining the child's pipes.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type noopObserver struct{}

func (noopObserver) Observe(Event) {}

// Fanout delivers each event to every added observer, in order.
type Fanout struct {
	mu        sync.RWMutex
	observers []Observer
}

func (f *Fanout) Add(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *Fanout) Observe(ev Event) {
	f.mu.RLock()
	observers := f.observers
	f.mu.RUnlock()
	for _, o := range observers {
		o.Observe(ev)
	}
}
