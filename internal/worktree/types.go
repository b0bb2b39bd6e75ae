package worktree

import (
	"fmt"
	"strings"
	"time"
)

// WorkerInfo holds the isolated execution context bound to one task
// attempt: a deterministically named branch plus its worktree directory.
type WorkerInfo struct {
	Path      string    // Absolute path to the worktree directory
	Branch    string    // Branch name (e.g. "story/story-7")
	TaskID    string    // Task this worker is bound to
	Head      string    // HEAD commit hash at creation time
	CreatedAt time.Time // When the worker was provisioned
}

// ConflictError reports a file-scope overlap between two tasks that would
// otherwise run in the same batch. It is non-fatal: the resolution pass
// serializes the pair into trailing sub-batches.
type ConflictError struct {
	TaskA string
	TaskB string
	Paths []string // The overlapping scope patterns
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tasks %q and %q have overlapping file scope: %s",
		e.TaskA, e.TaskB, strings.Join(e.Paths, ", "))
}

// MergeError reports a rebase or fast-forward failure for one task. The
// worker branch is left intact for manual resolution; sibling tasks are
// unaffected.
type MergeError struct {
	TaskID string
	Stage  string // "rebase" or "fast-forward"
	Output string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge of task %q failed during %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// Config configures the worktree manager.
type Config struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Base branch workers branch from and merge back to (e.g. "main")
	WorktreeDir string // Directory under repo for worktrees (default ".worktrees")
}
