package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/forgeworks/foreman/internal/health"
	"github.com/forgeworks/foreman/internal/scheduler"
)

func newTestRunner(t *testing.T, command string, args ...string) (*Runner, *health.Monitor) {
	t.Helper()
	monitor := health.NewMonitor(health.Config{
		Dir: filepath.Join(t.TempDir(), "heartbeats"),
	}, zap.NewNop())

	runner := NewRunner(Config{
		Command:           command,
		Args:              args,
		HeartbeatInterval: 10 * time.Millisecond,
	}, NewProcessManager(), monitor, zap.NewNop())
	// Fail fast in tests instead of backing off for minutes.
	runner.retryCfg = TransportRetryConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
		Multiplier:      2.0,
	}
	return runner, monitor
}

func TestRunSuccess(t *testing.T) {
	runner, _ := newTestRunner(t, "sh", "-c", "echo done")
	task := &scheduler.Task{ID: "story-1", Title: "do the thing"}

	result, err := runner.Run(context.Background(), "w1", task, t.TempDir())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(string(result.Stdout), "done") {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRunNonzeroExitIsNotRetried(t *testing.T) {
	runner, _ := newTestRunner(t, "sh", "-c", "echo oops >&2; exit 3")
	task := &scheduler.Task{ID: "story-1"}

	start := time.Now()
	result, err := runner.Run(context.Background(), "w1", task, t.TempDir())
	if err == nil {
		t.Fatal("expected error for exit code 3")
	}
	if result == nil || result.ExitCode != 3 {
		t.Fatalf("result = %+v, want exit code 3", result)
	}
	if !strings.Contains(string(result.Stderr), "oops") {
		t.Errorf("stderr = %q", result.Stderr)
	}
	// A task-level failure must not burn the transport backoff budget.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("nonzero exit appears to have been retried (took %v)", elapsed)
	}
}

func TestRunMissingBinary(t *testing.T) {
	runner, _ := newTestRunner(t, "definitely-not-a-real-binary-xyz")
	task := &scheduler.Task{ID: "story-1"}

	result, err := runner.Run(context.Background(), "w1", task, t.TempDir())
	if err == nil {
		t.Fatal("expected launch error")
	}
	if result != nil {
		t.Errorf("result should be nil when the agent never ran, got %+v", result)
	}
}

func TestRunWritesHeartbeats(t *testing.T) {
	runner, monitor := newTestRunner(t, "sh", "-c", "sleep 0.5")
	task := &scheduler.Task{ID: "story-1", Title: "sleepy"}

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "w1", task, t.TempDir())
		done <- err
	}()

	// The heartbeat exists while the agent runs.
	var hb *health.Heartbeat
	deadline := time.Now().Add(2 * time.Second)
	for hb == nil && time.Now().Before(deadline) {
		if status := monitor.Check("w1"); status.Heartbeat != nil {
			hb = status.Heartbeat
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if hb == nil {
		t.Fatal("no heartbeat written while agent was running")
	}
	if hb.TaskID != "story-1" {
		t.Errorf("heartbeat task = %q", hb.TaskID)
	}
	if hb.PID == 0 {
		t.Error("heartbeat missing pid")
	}
	if hb.Iteration < 1 {
		t.Errorf("iteration = %d, want >= 1", hb.Iteration)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The record dies with the worker, so health sweeps cannot classify
	// the finished process as dead.
	if status := monitor.Check("w1"); status.Heartbeat != nil {
		t.Errorf("heartbeat record survived the attempt: %+v", status.Heartbeat)
	}
}

func TestRunTimeout(t *testing.T) {
	runner, _ := newTestRunner(t, "sh", "-c", "sleep 30")
	runner.config.Timeout = 100 * time.Millisecond
	task := &scheduler.Task{ID: "story-1"}

	start := time.Now()
	_, err := runner.Run(context.Background(), "w1", task, t.TempDir())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	// The deadline kill must surface as the context error, not as the
	// raw "signal: killed" exit, so the failure classifies as a timeout.
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not interrupt the agent")
	}
}

func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), t.TempDir(), "sh", "-c", "sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Fatalf("Count = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Count after KillAll = %d, want 0", pm.Count())
	}

	// The process must actually be gone.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("killed process did not exit")
	}
}
