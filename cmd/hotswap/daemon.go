package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// agentState is what the PID file says about the background agent.
type agentState string

const (
	agentRunning agentState = "running"
	agentStopped agentState = "stopped" // no PID file
	agentStale   agentState = "stale"   // PID file names a dead process
)

// agentProcess is the agent recorded in a PID file.
type agentProcess struct {
	pidPath string
	pid     int
	state   agentState
}

// lookupAgent reads pidPath and checks whether the recorded process is alive.
// A missing PID file is not an error.
func lookupAgent(pidPath string) (agentProcess, error) {
	a := agentProcess{pidPath: pidPath, state: agentStopped}
	pid, err := readPID(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("agent status: %w", err)
	}
	a.pid = pid
	if processAlive(pid) {
		a.state = agentRunning
	} else {
		a.state = agentStale
	}
	return a, nil
}

// signal delivers sig to a running agent.
func (a agentProcess) signal(sig syscall.Signal) error {
	if a.state != agentRunning {
		return fmt.Errorf("agent is %s", a.state)
	}
	if err := syscall.Kill(a.pid, sig); err != nil {
		return fmt.Errorf("send %s to agent (PID %d): %w", sig, a.pid, err)
	}
	return nil
}

// claimPIDFile records this process as the agent. It refuses when another
// live agent holds the file and takes over a stale one. The returned func
// removes the file.
func claimPIDFile(pidPath string) (release func(), err error) {
	a, err := lookupAgent(pidPath)
	if err != nil {
		return nil, err
	}
	if a.state == agentRunning && a.pid != os.Getpid() {
		return nil, fmt.Errorf("agent already running (PID %d)", a.pid)
	}
	if err := writePID(pidPath, os.Getpid()); err != nil {
		return nil, err
	}
	return func() { _ = removePID(pidPath) }, nil
}

// writePID writes pid to path through a temp file so readers never see a
// partial number.
func writePID(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	_, werr := tmp.WriteString(strconv.Itoa(pid))
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from resolved config
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// removePID is idempotent.
func removePID(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// shutdownContext is cancelled on SIGTERM or SIGINT.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
