package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/forgeworks/foreman/internal/health"
	"github.com/forgeworks/foreman/internal/scheduler"
)

// Config configures how the external coding agent is invoked.
type Config struct {
	Command           string        // Agent CLI binary (e.g. "claude")
	Args              []string      // Base args for every invocation
	HeartbeatInterval time.Duration // Default 30s
	Timeout           time.Duration // Per-worker wall clock budget, 0 = none
}

// Result captures the observable outcome of one agent attempt.
type Result struct {
	WorkerID string
	TaskID   string
	ExitCode int
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
}

// Runner launches the agent process for one worker attempt, emitting
// heartbeats while it runs. Launch failures are retried with backoff
// behind a per-command circuit breaker; a nonzero agent exit is a
// task-level failure and is never retried here.
type Runner struct {
	config   Config
	pm       *ProcessManager
	monitor  *health.Monitor
	breakers *BreakerRegistry
	retryCfg TransportRetryConfig
	log      *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, pm *ProcessManager, monitor *health.Monitor, log *zap.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = health.DefaultHeartbeatInterval
	}
	return &Runner{
		config:   cfg,
		pm:       pm,
		monitor:  monitor,
		breakers: NewBreakerRegistry(log),
		retryCfg: DefaultTransportRetryConfig(),
		log:      log,
	}
}

// Run executes the agent once for the given task inside workDir and waits
// for it to finish. The returned Result is non-nil whenever the process
// actually ran.
func (r *Runner) Run(ctx context.Context, workerID string, task *scheduler.Task, workDir string) (*Result, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var result *Result
	launches := 0

	// The worker dies with its attempt; drop the heartbeat record so
	// health sweeps stop seeing a pid that is expected to be gone.
	defer func() {
		if rmErr := r.monitor.Remove(workerID); rmErr != nil {
			r.log.Warn("failed to remove heartbeat record",
				zap.String("worker", workerID),
				zap.Error(rmErr))
		}
	}()

	cb := r.breakers.Get(r.config.Command)
	err := launchWithRetry(ctx, cb, r.retryCfg, func() error {
		launches++
		res, err := r.runOnce(ctx, workerID, task, workDir, launches)
		if res != nil {
			result = res
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// The agent ran and failed; that is a task-level
				// outcome, not a transport fault.
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	})

	return result, err
}

// runOnce performs a single launch-and-wait cycle.
func (r *Runner) runOnce(ctx context.Context, workerID string, task *scheduler.Task, workDir string, launches int) (*Result, error) {
	args := append([]string(nil), r.config.Args...)
	cmd := newCommand(ctx, workDir, r.config.Command, args...)
	cmd.Env = append(os.Environ(),
		"FOREMAN_WORKER_ID="+workerID,
		"FOREMAN_STORY_ID="+task.ID,
		"FOREMAN_STORY_TITLE="+task.Title,
		"FOREMAN_FILE_SCOPE="+strings.Join(task.FileScope, ","),
	)

	start := time.Now()
	heartbeatDone := make(chan struct{})

	stdout, stderr, err := drainPipes(cmd, func(pid int) {
		r.pm.Track(cmd)
		go r.heartbeatLoop(ctx, workerID, task.ID, pid, launches, heartbeatDone)
	})
	close(heartbeatDone)
	r.pm.Untrack(cmd)

	if cmd.Process == nil {
		return nil, err
	}

	result := &Result{
		WorkerID: workerID,
		TaskID:   task.ID,
		Duration: time.Since(start),
		Stdout:   stdout,
		Stderr:   stderr,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		// A deadline kill surfaces as a plain "signal: killed" exit
		// error; report the context error so callers can classify the
		// attempt as a timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("agent terminated: %w", ctxErr)
		}
		if exitErr != nil {
			return result, fmt.Errorf("agent exited with code %d: %w", result.ExitCode, err)
		}
		return result, err
	}

	r.log.Debug("agent finished",
		zap.String("worker", workerID),
		zap.String("task", task.ID),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// heartbeatLoop rewrites the worker's heartbeat record on the configured
// cadence until the agent process exits.
func (r *Runner) heartbeatLoop(ctx context.Context, workerID, taskID string, pid, launches int, done <-chan struct{}) {
	iteration := 0
	beat := func() {
		iteration++
		hb := health.Heartbeat{
			WorkerID:      workerID,
			TaskID:        taskID,
			PID:           pid,
			Iteration:     iteration,
			MemoryBytes:   readRSS(pid),
			ExternalCalls: launches,
			Context:       map[string]string{"phase": "running"},
		}
		if err := r.monitor.WriteHeartbeat(hb); err != nil {
			r.log.Warn("heartbeat write failed",
				zap.String("worker", workerID),
				zap.Error(err))
		}
	}

	beat()
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// readRSS returns the resident set size of the process, or 0 when the
// proc filesystem is unavailable.
func readRSS(pid int) uint64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}
