// Package agent supervises the external coding-agent process bound to one
// worker. The only interface surface observed is the agent's exit status,
// elapsed time, and the commits it leaves in its isolated worktree.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// drainPipes starts the command and reads stdout and stderr concurrently,
// waiting for both readers before cmd.Wait. Draining first prevents the
// deadlock where subprocess output exceeds the pipe buffer.
func drainPipes(cmd *exec.Cmd, started func(pid int)) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if started != nil {
		started(cmd.Process.Pid)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// killProcessGroup sends SIGKILL to the command's entire process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running agent subprocesses so they can all be
// terminated on shutdown, preventing orphans.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty process manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a finished command.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// KillAll terminates every tracked process group. Returns the first error
// encountered, after attempting all of them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(pm.procs))
	for _, cmd := range pm.procs {
		cmds = append(cmds, cmd)
	}
	pm.procs = make(map[int]*exec.Cmd)
	pm.mu.Unlock()

	var firstErr error
	for _, cmd := range cmds {
		if err := killProcessGroup(cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
