package process

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// spawnRequest describes a detached child whose output is forwarded line by line.
type spawnRequest struct {
	Name string
	Args []string
	Dir  string
	// OnLine receives each output line without its trailing newline.
	// It is called concurrently from the stdout and stderr readers.
	OnLine func(stream, line string)
	// OnExit runs after both streams are drained and the child is reaped.
	OnExit func(pid, exitCode int)
}

// spawnFunc starts a child and returns its pid.
type spawnFunc func(req spawnRequest) (int, error)

// spawnDetached starts the child in its own process group with stdin closed.
// The child outlives the request that started it; a background goroutine
// drains its pipes and reaps it so an exited child never lingers as a zombie
// that still answers signal 0.
func spawnDetached(req spawnRequest) (int, error) {
	cmd := exec.Command(req.Name, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	var wg sync.WaitGroup
	wg.Add(2)
	go forwardLines(&wg, pid, "stdout", stdout, req.OnLine)
	go forwardLines(&wg, pid, "stderr", stderr, req.OnLine)

	go func() {
		wg.Wait()
		code := exitCode(cmd.Wait())
		log.Debugf("[SPAWN] pid %d exited with code %d", pid, code)
		if req.OnExit != nil {
			req.OnExit(pid, code)
		}
	}()

	return pid, nil
}

func forwardLines(wg *sync.WaitGroup, pid int, stream string, pipe io.Reader, onLine func(stream, line string)) {
	defer wg.Done()
	reader := bufio.NewReader(pipe)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 && onLine != nil {
			line := string(data)
			if n := len(line); line[n-1] == '\n' {
				line = line[:n-1]
			}
			onLine(stream, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warnf("[SPAWN] pid %d %s read failed: %v", pid, stream, err)
			}
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// terminate sends SIGTERM to the child's process group, falling back to the
// pid alone. It reports whether either signal was delivered.
func terminate(sig Signaler, pid int, label string) bool {
	groupErr := sig.Signal(-pid, syscall.SIGTERM)
	if groupErr == nil {
		return true
	}
	pidErr := sig.Signal(pid, syscall.SIGTERM)
	if pidErr == nil {
		return true
	}
	log.Warnf("[LIFECYCLE] Could not signal %s (pid=%d): group: %v, pid: %v", label, pid, groupErr, pidErr)
	return false
}
