// Package orchestrator sequences the run: it turns a task graph into
// dependency-ordered batches, executes each batch through isolated
// workers with bounded concurrency, merges finished work back serially,
// and routes failures through the retry policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/foreman/internal/agent"
	"github.com/forgeworks/foreman/internal/events"
	"github.com/forgeworks/foreman/internal/health"
	"github.com/forgeworks/foreman/internal/metrics"
	"github.com/forgeworks/foreman/internal/persistence"
	"github.com/forgeworks/foreman/internal/retry"
	"github.com/forgeworks/foreman/internal/scheduler"
	"github.com/forgeworks/foreman/internal/worktree"
)

// Exit status contract with the agent wrapper: 2 reports a logic defect
// in the story's own changes, 3 a quality-gate failure. Both demand
// manual intervention and are never retried.
const (
	exitCodeLogicError  = 2
	exitCodeQualityGate = 3
)

// Worktrees is the worker-isolation surface the runner needs.
type Worktrees interface {
	Create(taskID string) (*worktree.WorkerInfo, error)
	MergeBack(info *worktree.WorkerInfo) error
	ForceRelease(info *worktree.WorkerInfo) error
	ResolveConflicts(batch []*scheduler.Task) ([][]*scheduler.Task, []*worktree.ConflictError)
	Prune() error
}

// Agents executes the coding agent for one worker attempt.
type Agents interface {
	Run(ctx context.Context, workerID string, task *scheduler.Task, workDir string) (*agent.Result, error)
}

// TaskResult is the final outcome of one task across all its attempts.
type TaskResult struct {
	TaskID   string
	WorkerID string // Worker of the last attempt
	Merged   bool
	Err      error
}

// Summary aggregates a finished run.
type Summary struct {
	RunID     string
	Merged    []string
	Conflicts []string
	Failed    []string
	Results   []TaskResult
}

// Config configures the runner and wires its collaborators.
type Config struct {
	RunID            string // Default: random UUID
	ConcurrencyLimit int    // Max workers running at once (default 4)
	IncompleteOnly   bool   // Exclude completed stories from planning

	// Health sweep tuning. CheckInterval <= 0 or a nil Monitor disables
	// the sweep.
	HungThreshold time.Duration
	GracePeriod   time.Duration // How long a hung worker gets before reclaim
	CheckInterval time.Duration

	Worktrees Worktrees
	Agents    Agents
	Retries   *retry.Handler
	Monitor   *health.Monitor
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Store     *persistence.Store // Optional; nil disables bookkeeping
	Log       *zap.Logger
}

// activeWorker tracks one in-flight attempt so the health sweep can
// correlate heartbeats back to a cancelable worker.
type activeWorker struct {
	taskID   string
	workerID string
	info     *worktree.WorkerInfo
	cancel   context.CancelFunc
}

// Runner drives batches to completion. A Runner executes one run and is
// not reused.
type Runner struct {
	config Config
	log    *zap.Logger

	mu     sync.Mutex
	active map[string]*activeWorker // keyed by task ID
}

// New creates a runner, applying defaults for unset knobs.
func New(cfg Config) *Runner {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}
	if cfg.HungThreshold <= 0 {
		cfg.HungThreshold = health.DefaultHungThreshold
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(0, cfg.Log)
	}
	if cfg.Retries == nil {
		cfg.Retries = retry.NewHandler(retry.Config{}, cfg.Log)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Runner{
		config: cfg,
		log:    cfg.Log,
		active: make(map[string]*activeWorker),
	}
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.config.RunID }

// subBatch is one dispatch unit: a file-scope-disjoint slice of a batch,
// optionally delayed (retry backoff).
type subBatch struct {
	tasks     []*scheduler.Task
	notBefore time.Time
}

// attemptOutcome is the raw result of one worker attempt, before merge
// and retry handling.
type attemptOutcome struct {
	task     *scheduler.Task
	workerID string
	info     *worktree.WorkerInfo
	result   *agent.Result
	err      error
}

// Execute runs every batch of the graph's execution plan to completion.
// Batches run strictly in order; tasks within a batch run concurrently up
// to the concurrency limit, except that file-scope conflicts are
// serialized into trailing sub-batches. Granted retries re-enter as
// trailing sub-batches of the same batch after their backoff, so a
// batch's dependents never start before its retries are exhausted.
func (r *Runner) Execute(ctx context.Context, graph *scheduler.Graph) (*Summary, error) {
	plan, err := graph.ExecutionPlan(r.config.IncompleteOnly)
	if err != nil {
		return nil, err
	}

	summary := &Summary{RunID: r.config.RunID}

	r.config.Bus.Emit(events.TypePlanComputed, map[string]any{
		"total_tasks": plan.TotalTasks,
		"batch_count": plan.BatchCount,
		"max_width":   plan.MaxWidth,
	}, "", r.config.RunID, true)

	if r.config.Store != nil {
		if err := r.config.Store.CreateRun(ctx, r.config.RunID); err != nil {
			return nil, err
		}
		if err := r.config.Store.SavePlan(ctx, r.config.RunID, plan); err != nil {
			return nil, err
		}
	}

	if plan.TotalTasks == 0 {
		r.finishRun(ctx, summary)
		return summary, nil
	}

	if err := r.config.Worktrees.Prune(); err != nil {
		r.log.Warn("failed to prune stale worktrees", zap.Error(err))
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if r.config.Monitor != nil && r.config.CheckInterval > 0 {
		go r.healthSweep(sweepCtx)
	}

	// Catches shutdown and cancellation paths.
	defer r.releaseActiveWorkers()

	for i, batchIDs := range plan.Batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		tasks := r.resolveTasks(graph, batchIDs)
		split, conflicts := r.config.Worktrees.ResolveConflicts(tasks)
		for range conflicts {
			r.config.Metrics.ScopeConflicts.Inc()
		}

		r.config.Bus.Emit(events.TypeBatchStarted, map[string]any{
			"index":       i,
			"size":        len(tasks),
			"sub_batches": len(split),
		}, "", r.config.RunID, false)
		r.config.Metrics.BatchWidth.Observe(float64(len(tasks)))

		queue := make([]subBatch, 0, len(split))
		for _, sb := range split {
			queue = append(queue, subBatch{tasks: sb})
		}

		// The queue grows as granted retries append trailing singletons.
		for qi := 0; qi < len(queue); qi++ {
			if err := waitUntil(ctx, queue[qi].notBefore); err != nil {
				return summary, err
			}
			outcomes := r.dispatch(ctx, queue[qi].tasks)
			r.mergeCompleted(ctx, outcomes, summary)
			queue = append(queue, r.handleFailures(ctx, outcomes, summary)...)
		}

		r.config.Bus.Emit(events.TypeBatchCompleted, map[string]any{
			"index": i,
		}, "", r.config.RunID, false)
	}

	r.finishRun(ctx, summary)
	return summary, ctx.Err()
}

func (r *Runner) resolveTasks(graph *scheduler.Graph, ids []string) []*scheduler.Task {
	tasks := make([]*scheduler.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := graph.Get(id); ok {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// dispatch runs one sub-batch's attempts concurrently and waits for all
// of them. Attempt failures are captured in the outcomes, never returned.
func (r *Runner) dispatch(ctx context.Context, tasks []*scheduler.Task) []*attemptOutcome {
	outcomes := make([]*attemptOutcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.ConcurrencyLimit)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = r.executeTask(gctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// executeTask provisions a worker, runs one agent attempt in it, and
// reports the raw outcome. The worktree survives a successful attempt
// for the merge stage; failure paths release it in handleFailures.
func (r *Runner) executeTask(ctx context.Context, task *scheduler.Task) *attemptOutcome {
	out := &attemptOutcome{task: task, workerID: uuid.NewString()}

	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	r.config.Bus.Emit(events.TypeStoryStarted, map[string]any{
		"worker": out.workerID,
		"title":  task.Title,
	}, task.ID, r.config.RunID, false)
	r.config.Metrics.TasksDispatched.Inc()
	r.config.Metrics.ActiveWorkers.Inc()
	defer r.config.Metrics.ActiveWorkers.Dec()
	r.updateStory(ctx, task.ID, persistence.StoryRunning, "")

	info, err := r.config.Worktrees.Create(task.ID)
	if err != nil {
		out.err = fmt.Errorf("failed to provision worker: %w", err)
		return out
	}
	out.info = info

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(&activeWorker{taskID: task.ID, workerID: out.workerID, info: info, cancel: cancel})
	defer r.untrack(task.ID)

	out.result, out.err = r.config.Agents.Run(taskCtx, out.workerID, task, info.Path)
	if out.err != nil {
		return out
	}

	r.config.Metrics.TasksCompleted.Inc()
	r.config.Bus.Emit(events.TypeStoryCompleted, map[string]any{
		"worker":   out.workerID,
		"duration": out.result.Duration.String(),
	}, task.ID, r.config.RunID, false)
	r.updateStory(ctx, task.ID, persistence.StoryCompleted, "")

	return out
}

// mergeCompleted merges successful attempts back to the base branch one
// at a time, in ascending priority order so the deterministic merge order
// matches the plan. Each merge rebases onto the tip left by the previous
// one. A conflict preserves the worker branch for manual resolution and
// never blocks sibling merges.
func (r *Runner) mergeCompleted(ctx context.Context, outcomes []*attemptOutcome, summary *Summary) {
	var completed []*attemptOutcome
	for _, out := range outcomes {
		if out.err == nil && out.info != nil {
			completed = append(completed, out)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		a, b := completed[i].task, completed[j].task
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	for _, out := range completed {
		if err := r.config.Worktrees.MergeBack(out.info); err != nil {
			var mergeErr *worktree.MergeError
			if errors.As(err, &mergeErr) {
				r.config.Metrics.MergesConflicted.Inc()
				r.config.Bus.Emit(events.TypeStoryConflict, map[string]any{
					"worker": out.workerID,
					"branch": out.info.Branch,
					"stage":  mergeErr.Stage,
				}, out.task.ID, r.config.RunID, false)
				r.updateStory(ctx, out.task.ID, persistence.StoryConflict, err.Error())
				summary.Conflicts = append(summary.Conflicts, out.task.ID)
				summary.Results = append(summary.Results, TaskResult{
					TaskID: out.task.ID, WorkerID: out.workerID, Err: err,
				})
				r.log.Warn("merge conflict, branch preserved",
					zap.String("task", out.task.ID),
					zap.String("branch", out.info.Branch))
				continue
			}
			r.updateStory(ctx, out.task.ID, persistence.StoryFailed, err.Error())
			summary.Failed = append(summary.Failed, out.task.ID)
			summary.Results = append(summary.Results, TaskResult{
				TaskID: out.task.ID, WorkerID: out.workerID, Err: err,
			})
			continue
		}

		r.config.Metrics.MergesSucceeded.Inc()
		r.config.Bus.Emit(events.TypeStoryMerged, map[string]any{
			"worker": out.workerID,
			"branch": out.info.Branch,
		}, out.task.ID, r.config.RunID, false)
		r.updateStory(ctx, out.task.ID, persistence.StoryMerged, "")
		r.config.Retries.ResetRetryCount(out.task.ID)
		summary.Merged = append(summary.Merged, out.task.ID)
		summary.Results = append(summary.Results, TaskResult{
			TaskID: out.task.ID, WorkerID: out.workerID, Merged: true,
		})
	}
}

// handleFailures releases failed workers, consults the retry policy, and
// returns the delayed sub-batches for granted retries.
func (r *Runner) handleFailures(ctx context.Context, outcomes []*attemptOutcome, summary *Summary) []subBatch {
	var retries []subBatch

	for _, out := range outcomes {
		if out.err == nil {
			continue
		}
		if out.info != nil {
			if err := r.config.Worktrees.ForceRelease(out.info); err != nil {
				r.log.Warn("failed to release worker",
					zap.String("task", out.task.ID),
					zap.Error(err))
			}
		}

		r.config.Metrics.TasksFailed.Inc()

		failure := classifyFailure(out)
		attempt := r.config.Retries.Attempts(out.task.ID)
		decision := r.config.Retries.ShouldRetry(out.task.ID, failure, attempt)
		r.recordAttempt(ctx, out.task.ID, attempt, failure, decision)

		if decision.Retry {
			r.config.Metrics.RetriesGranted.Inc()
			r.config.Bus.Emit(events.TypeStoryRetry, map[string]any{
				"failure": string(failure),
				"attempt": attempt + 1,
				"backoff": decision.Backoff.String(),
			}, out.task.ID, r.config.RunID, false)
			retries = append(retries, subBatch{
				tasks:     []*scheduler.Task{out.task},
				notBefore: time.Now().Add(decision.Backoff),
			})
			continue
		}

		r.config.Metrics.RetriesDenied.Inc()
		r.config.Bus.Emit(events.TypeStoryFailed, map[string]any{
			"failure": string(failure),
			"reason":  decision.Reason,
		}, out.task.ID, r.config.RunID, false)
		r.updateStory(ctx, out.task.ID, persistence.StoryFailed, out.err.Error())
		summary.Failed = append(summary.Failed, out.task.ID)
		summary.Results = append(summary.Results, TaskResult{
			TaskID: out.task.ID, WorkerID: out.workerID, Err: out.err,
		})
	}

	return retries
}

// classifyFailure maps an attempt outcome to a retry failure category.
// The exit-status contract takes precedence over error-message signals.
func classifyFailure(out *attemptOutcome) retry.FailureType {
	if errors.Is(out.err, context.DeadlineExceeded) {
		return retry.FailureTimeout
	}
	if out.result != nil {
		switch out.result.ExitCode {
		case exitCodeLogicError:
			return retry.FailureLogicError
		case exitCodeQualityGate:
			return retry.FailureQualityGate
		}
	}
	return retry.ClassifyError(out.err)
}

// healthSweep periodically classifies every worker with a heartbeat and
// reclaims the ones that will not finish on their own: DEAD immediately,
// HUNG once the grace period past the hung threshold has elapsed.
func (r *Runner) healthSweep(ctx context.Context) {
	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce classifies only the workers this run currently has in
// flight. Records from finished workers or earlier runs carry no
// cancelable attempt and are not this run's to judge.
func (r *Runner) sweepOnce() {
	for _, aw := range r.activeSnapshot() {
		st := r.config.Monitor.Check(aw.workerID)
		r.config.Metrics.WorkerStates.WithLabelValues(st.State.String()).Inc()

		switch st.State {
		case health.StateDead:
			r.reclaim(aw, st)
		case health.StateHung:
			r.config.Bus.Emit(events.TypeWorkerHung, map[string]any{
				"worker": aw.workerID,
				"age":    st.Age.String(),
			}, aw.taskID, r.config.RunID, false)
			if r.config.GracePeriod > 0 && st.Age >= r.config.HungThreshold+r.config.GracePeriod {
				r.reclaim(aw, st)
			}
		}
	}
}

// reclaim cancels the worker's attempt. Killing the agent drives the
// attempt through the normal failure path, which releases the worktree
// and consults the retry policy.
func (r *Runner) reclaim(aw *activeWorker, st health.Status) {
	r.log.Warn("reclaiming unresponsive worker",
		zap.String("worker", aw.workerID),
		zap.String("task", aw.taskID),
		zap.String("state", st.State.String()),
		zap.Duration("age", st.Age))

	r.config.Metrics.WorkersReclaimed.Inc()
	r.config.Bus.Emit(events.TypeWorkerDead, map[string]any{
		"worker": aw.workerID,
		"state":  st.State.String(),
		"age":    st.Age.String(),
	}, aw.taskID, r.config.RunID, false)

	aw.cancel()
}

func (r *Runner) track(aw *activeWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[aw.taskID] = aw
}

func (r *Runner) untrack(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

func (r *Runner) activeSnapshot() []*activeWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	workers := make([]*activeWorker, 0, len(r.active))
	for _, aw := range r.active {
		workers = append(workers, aw)
	}
	return workers
}

// releaseActiveWorkers force-releases every in-flight worker, for
// shutdown and cancellation paths.
func (r *Runner) releaseActiveWorkers() {
	r.mu.Lock()
	workers := make([]*activeWorker, 0, len(r.active))
	for _, aw := range r.active {
		workers = append(workers, aw)
	}
	r.active = make(map[string]*activeWorker)
	r.mu.Unlock()

	for _, aw := range workers {
		aw.cancel()
		if err := r.config.Worktrees.ForceRelease(aw.info); err != nil {
			r.log.Warn("failed to release worker on shutdown",
				zap.String("task", aw.taskID),
				zap.Error(err))
		}
	}
}

func (r *Runner) updateStory(ctx context.Context, taskID, status, errMsg string) {
	if r.config.Store == nil {
		return
	}
	if err := r.config.Store.UpdateStoryStatus(ctx, r.config.RunID, taskID, status, errMsg); err != nil {
		r.log.Warn("failed to persist story status",
			zap.String("task", taskID),
			zap.Error(err))
	}
}

func (r *Runner) recordAttempt(ctx context.Context, taskID string, attempt int, failure retry.FailureType, decision retry.Decision) {
	if r.config.Store == nil {
		return
	}
	err := r.config.Store.RecordAttempt(ctx, r.config.RunID, taskID, attempt,
		string(failure), decision.Retry, decision.Backoff.Seconds(), decision.Reason)
	if err != nil {
		r.log.Warn("failed to persist attempt",
			zap.String("task", taskID),
			zap.Error(err))
	}
}

func (r *Runner) finishRun(ctx context.Context, summary *Summary) {
	if r.config.Store == nil {
		return
	}
	status := "completed"
	if len(summary.Failed) > 0 || len(summary.Conflicts) > 0 {
		status = "failed"
	}
	if err := r.config.Store.FinishRun(ctx, r.config.RunID, status); err != nil {
		r.log.Warn("failed to finish run record", zap.Error(err))
	}
}

// Describe renders a one-line-per-story report of the summary.
func (s *Summary) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d merged, %d conflicted, %d failed\n",
		s.RunID, len(s.Merged), len(s.Conflicts), len(s.Failed))
	for _, id := range s.Conflicts {
		fmt.Fprintf(&b, "  conflict: %s (branch story/%s preserved)\n", id, id)
	}
	for _, id := range s.Failed {
		fmt.Fprintf(&b, "  failed:   %s\n", id)
	}
	return b.String()
}

// waitUntil blocks until the deadline or context cancellation.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
