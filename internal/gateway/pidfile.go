package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned by Stop and Status when no live gateway process
// is recorded.
var ErrNotRunning = errors.New("gateway: not running")

// PIDFile records a running gateway process under the state dir so
// start/stop/status work across invocations.
type PIDFile struct {
	path string
}

func NewPIDFile(stateDir, name string) *PIDFile {
	if name == "" {
		name = "default"
	}
	return &PIDFile{path: filepath.Join(stateDir, "gateway-"+name+".pid")}
}

func (p *PIDFile) Path() string { return p.path }

// Write records a pid, refusing to clobber a record of a live process.
func (p *PIDFile) Write(pid int) error {
	if existing, err := p.Read(); err == nil && processAlive(existing) {
		return fmt.Errorf("gateway already running with pid %d", existing)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid record %s: %w", p.path, err)
	}
	return pid, nil
}

func (p *PIDFile) Remove() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Status returns the recorded pid if the process is alive. A stale record
// for a dead process is cleaned up.
func (p *PIDFile) Status() (int, error) {
	pid, err := p.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !processAlive(pid) {
		p.Remove()
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Stop terminates the recorded process, escalating to SIGKILL if it has not
// exited within the grace period.
func (p *PIDFile) Stop(grace time.Duration) error {
	pid, err := p.Status()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return p.Remove()
		}
		time.Sleep(100 * time.Millisecond)
	}
	proc.Kill()
	return p.Remove()
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
