package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// waitDelay bounds how long Wait keeps draining pipes held open by
	// grandchildren after the worker process itself has exited.
	waitDelay = 5 * time.Second

	// stderrTail is the number of stderr bytes quoted in a failure.
	stderrTail = 4096
)

// newCommand starts name in its own process group; cancelling ctx kills the
// whole group rather than only the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// runCommand feeds stdin to cmd, waits for it and returns its stdout. A
// non-zero exit is reported with the tail of stderr attached.
func runCommand(cmd *exec.Cmd, stdin []byte, pm *ProcessManager) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	if err := cmd.Wait(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		if len(msg) == 0 {
			return stdout.Bytes(), fmt.Errorf("worker command failed: %w", err)
		}
		return stdout.Bytes(), fmt.Errorf("worker command failed: %w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks live worker subprocesses so shutdown can kill any
// that outlive their tasks.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[*exec.Cmd]struct{}
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[*exec.Cmd]struct{})}
}

// Track records a started command. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd] = struct{}{}
	pm.mu.Unlock()
}

func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.procs, cmd)
	pm.mu.Unlock()
}

// KillAll kills every tracked process group and joins the failures.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.procs {
		if err := killGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count reports how many processes are tracked.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
