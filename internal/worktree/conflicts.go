package worktree

import (
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/forgeworks/foreman/internal/scheduler"
)

// ScopeOverlap returns the patterns shared between two file scopes. Two
// patterns overlap when they are identical or when either matches the
// other as a path (so "internal/api/**" overlaps "internal/api/server.go").
func ScopeOverlap(a, b []string) []string {
	var overlap []string
	seen := make(map[string]bool)

	for _, pa := range a {
		for _, pb := range b {
			if !patternsOverlap(pa, pb) {
				continue
			}
			if !seen[pa] {
				overlap = append(overlap, pa)
				seen[pa] = true
			}
			if !seen[pb] {
				overlap = append(overlap, pb)
				seen[pb] = true
			}
		}
	}

	return overlap
}

func patternsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	return false
}

// ResolveConflicts splits one dependency-safe batch into sub-batches whose
// members are pairwise file-scope-disjoint. The first sub-batch keeps
// every non-conflicting member; each member that overlaps an earlier one
// is pulled into its own trailing single-task sub-batch, so no two
// conflicting tasks ever execute concurrently. Batch order (ascending
// priority) is preserved throughout.
//
// The detected pairs are returned alongside so callers can log and emit
// them; a ConflictError here is informational, never fatal.
func (m *Manager) ResolveConflicts(batch []*scheduler.Task) ([][]*scheduler.Task, []*ConflictError) {
	if len(batch) <= 1 {
		if len(batch) == 0 {
			return nil, nil
		}
		return [][]*scheduler.Task{batch}, nil
	}

	var lead []*scheduler.Task
	var deferred []*scheduler.Task
	var conflicts []*ConflictError

	for _, task := range batch {
		conflicted := false
		for _, kept := range lead {
			overlap := ScopeOverlap(kept.FileScope, task.FileScope)
			if len(overlap) == 0 {
				continue
			}
			conflicted = true
			conflicts = append(conflicts, &ConflictError{
				TaskA: kept.ID,
				TaskB: task.ID,
				Paths: overlap,
			})
		}
		if conflicted {
			deferred = append(deferred, task)
		} else {
			lead = append(lead, task)
		}
	}

	for _, c := range conflicts {
		m.log.Warn("file-scope conflict, serializing task",
			zap.String("task_a", c.TaskA),
			zap.String("task_b", c.TaskB),
			zap.Strings("paths", c.Paths))
	}

	subBatches := [][]*scheduler.Task{lead}
	for _, task := range deferred {
		subBatches = append(subBatches, []*scheduler.Task{task})
	}

	return subBatches, conflicts
}
