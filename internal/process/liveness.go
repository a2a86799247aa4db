package process

import (
	"errors"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Signaler delivers signals to pids. Negative pids address a process group.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

type systemSignaler struct{}

func (systemSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// SystemSignaler signals real OS processes.
func SystemSignaler() Signaler {
	return systemSignaler{}
}

// Liveness is the outcome of a signal-0 probe.
type Liveness int

const (
	// Gone means no pid was recorded or the process does not exist.
	Gone Liveness = iota
	// Alive means the signal was deliverable.
	Alive
	// Foreign means the process exists but belongs to another user (EPERM).
	Foreign
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Foreign:
		return "foreign"
	default:
		return "gone"
	}
}

// Prober checks whether recorded pids still exist without disturbing them.
type Prober struct {
	sig Signaler
}

// NewProber returns a prober using sig; nil means SystemSignaler.
func NewProber(sig Signaler) *Prober {
	if sig == nil {
		sig = SystemSignaler()
	}
	return &Prober{sig: sig}
}

// Probe classifies pid. Absent or non-positive pids are Gone without a syscall.
func (p *Prober) Probe(pid *int) Liveness {
	if pid == nil || *pid <= 0 {
		return Gone
	}
	err := p.sig.Signal(*pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.EPERM):
		return Foreign
	default:
		return Gone
	}
}

// IsAlive treats Foreign as not alive: a pid we cannot signal is a pid we
// cannot stop either. The condition is logged so a recycled pid owned by
// someone else does not go unnoticed.
func (p *Prober) IsAlive(pid *int) bool {
	switch p.Probe(pid) {
	case Alive:
		return true
	case Foreign:
		log.Warnf("[LIVENESS] pid %d exists but is owned by another user; reporting it as stopped", *pid)
	}
	return false
}
