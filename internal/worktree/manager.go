package worktree

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager isolates each concurrently running task in its own git branch
// and worktree, and merges completed work back to the base branch.
//
// Mutation of the base branch is guarded by mergeMu, held only for the
// duration of a single merge-back. Workers never write to the base branch
// directly.
type Manager struct {
	config  Config
	log     *zap.Logger
	mergeMu sync.Mutex // Advisory lock on the base branch
}

// NewManager creates a worktree manager.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &Manager{config: cfg, log: log}
}

// BranchFor returns the worker branch name for a task ID.
func BranchFor(taskID string) string {
	return fmt.Sprintf("story/%s", taskID)
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Create provisions an isolated worker for the given task, branching from
// the current tip of the base branch at call time. The worker must be
// released on every exit path: merge success deletes it, failure and
// abandonment go through Release/ForceRelease, and Cleanup sweeps up
// anything orphaned by a hard crash.
func (m *Manager) Create(taskID string) (*WorkerInfo, error) {
	branch := BranchFor(taskID)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)

	if _, err := m.git(m.config.RepoPath, "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worker for task %q: %w", taskID, err)
	}

	head, err := m.git(wtPath, "rev-parse", "HEAD")
	if err != nil {
		_ = m.ForceRelease(&WorkerInfo{Path: wtPath, Branch: branch, TaskID: taskID})
		return nil, fmt.Errorf("failed to resolve HEAD for task %q: %w", taskID, err)
	}

	info := &WorkerInfo{
		Path:      wtPath,
		Branch:    branch,
		TaskID:    taskID,
		Head:      strings.TrimSpace(head),
		CreatedAt: time.Now(),
	}

	m.log.Debug("worker created",
		zap.String("task", taskID),
		zap.String("branch", branch),
		zap.String("head", info.Head))

	return info, nil
}

// MergeBack rebases the worker's branch onto the current tip of the base
// branch, which may have advanced since the worker was created due to
// earlier merges in the same batch, then fast-forwards the base branch.
//
// On rebase conflict the rebase is aborted, the worker branch is preserved
// for resolution, and a MergeError is returned; sibling workers are not
// affected. On success the worker is released.
func (m *Manager) MergeBack(info *WorkerInfo) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	// Rebase inside the worktree so the base checkout never holds
	// rebase state.
	if output, err := m.git(info.Path, "rebase", m.config.BaseBranch); err != nil {
		if _, abortErr := m.git(info.Path, "rebase", "--abort"); abortErr != nil {
			m.log.Warn("rebase abort failed",
				zap.String("task", info.TaskID),
				zap.Error(abortErr))
		}
		return &MergeError{TaskID: info.TaskID, Stage: "rebase", Output: output, Err: err}
	}

	if output, err := m.git(m.config.RepoPath, "checkout", m.config.BaseBranch); err != nil {
		return &MergeError{TaskID: info.TaskID, Stage: "fast-forward", Output: output, Err: err}
	}
	if output, err := m.git(m.config.RepoPath, "merge", "--ff-only", info.Branch); err != nil {
		return &MergeError{TaskID: info.TaskID, Stage: "fast-forward", Output: output, Err: err}
	}

	m.log.Info("worker merged",
		zap.String("task", info.TaskID),
		zap.String("branch", info.Branch))

	return m.Release(info)
}

// Release removes the worker's worktree and deletes its branch, escalating
// to force flags when the polite forms fail.
func (m *Manager) Release(info *WorkerInfo) error {
	var errs []string

	if _, err := m.git(m.config.RepoPath, "worktree", "remove", info.Path); err != nil {
		if _, forceErr := m.git(m.config.RepoPath, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove: %v", forceErr))
		}
	}

	if _, err := m.git(m.config.RepoPath, "branch", "-d", info.Branch); err != nil {
		if _, forceErr := m.git(m.config.RepoPath, "branch", "-D", info.Branch); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete: %v", forceErr))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("release of worker %q: %s", info.TaskID, strings.Join(errs, "; "))
	}
	return nil
}

// ForceRelease removes the worker's worktree and branch with force flags.
// Used for DEAD workers and shutdown paths where the worktree may hold
// uncommitted state.
func (m *Manager) ForceRelease(info *WorkerInfo) error {
	var errs []string

	if _, err := m.git(m.config.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
		errs = append(errs, fmt.Sprintf("worktree remove: %v", err))
	}
	if _, err := m.git(m.config.RepoPath, "branch", "-D", info.Branch); err != nil {
		errs = append(errs, fmt.Sprintf("branch delete: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("force release of worker %q: %s", info.TaskID, strings.Join(errs, "; "))
	}
	return nil
}

// List returns every worker worktree in the repository, parsed from
// porcelain output.
func (m *Manager) List() ([]WorkerInfo, error) {
	output, err := m.git(m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var workers []WorkerInfo
	var current WorkerInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.TaskID != "" {
				workers = append(workers, current)
			}
			current = WorkerInfo{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			if strings.HasPrefix(current.Branch, "story/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "story/")
			}
		}
	}
	if current.TaskID != "" {
		workers = append(workers, current)
	}

	return workers, nil
}

// Cleanup force-releases workers whose last activity is older than maxAge,
// treating them as abandoned (e.g. after a crash). Last activity is the
// newest modification time anywhere in the worktree, so edits deep in the
// tree count even though they never touch the root directory's mtime.
// Returns the task IDs of the reclaimed workers.
func (m *Manager) Cleanup(maxAge time.Duration) ([]string, error) {
	workers, err := m.List()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var reclaimed []string

	for i := range workers {
		w := &workers[i]
		if _, err := os.Stat(w.Path); err != nil {
			// Directory already gone; prune will clear the metadata.
			continue
		}
		if lastActivity(w.Path).After(cutoff) {
			continue
		}

		if err := m.ForceRelease(w); err != nil {
			m.log.Warn("failed to reclaim abandoned worker",
				zap.String("task", w.TaskID),
				zap.Error(err))
			continue
		}
		reclaimed = append(reclaimed, w.TaskID)
		m.log.Info("reclaimed abandoned worker",
			zap.String("task", w.TaskID),
			zap.Duration("max_age", maxAge))
	}

	if err := m.Prune(); err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}

// lastActivity returns the newest modification time under root.
// Unreadable entries are skipped.
func lastActivity(root string) time.Time {
	var latest time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}

// Prune clears stale worktree metadata left behind by crashed workers.
func (m *Manager) Prune() error {
	if _, err := m.git(m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
