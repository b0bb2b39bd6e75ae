package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// GraphError is returned for fatal planning failures: a dependency on an
// unknown task ID, or a cycle in the scheduled subset. A GraphError blocks
// the entire plan until the document is corrected.
type GraphError struct {
	msg string
}

func (e *GraphError) Error() string { return e.msg }

func graphErrorf(format string, args ...any) *GraphError {
	return &GraphError{msg: fmt.Sprintf(format, args...)}
}

// Graph is a dependency graph over tasks plus its reverse (dependents)
// adjacency. A Graph is derived once per planning pass and never mutated
// in place; build a new one if the task set changes.
type Graph struct {
	tasks      map[string]*Task
	dependents map[string][]string
	ids        []string // insertion order, for deterministic iteration
}

// NewGraph builds a graph from the given tasks. Every declared dependency
// must reference a known task ID; an unknown reference or a duplicate task
// ID is a GraphError.
func NewGraph(tasks []*Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, task := range tasks {
		if _, exists := g.tasks[task.ID]; exists {
			return nil, graphErrorf("duplicate task ID %q", task.ID)
		}
		g.tasks[task.ID] = cloneTask(task)
		g.ids = append(g.ids, task.ID)
	}

	for _, id := range g.ids {
		for _, depID := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, graphErrorf("task %q depends on unknown task %q", id, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g, nil
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	tasks := make([]*Task, 0, len(g.ids))
	for _, id := range g.ids {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Validate runs a whole-graph topological sort as a fast acyclicity gate.
// It returns a GraphError naming the problem on any cycle, before the more
// expensive DetectCycles pass is asked to enumerate the participants.
func (g *Graph) Validate() error {
	var edges []toposort.Edge
	for _, id := range g.ids {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the sort result.
			edges = append(edges, toposort.Edge{nil, id})
		} else {
			for _, depID := range task.DependsOn {
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return graphErrorf("dependency graph contains cycle: %v", err)
	}

	count := 0
	for _, id := range sorted {
		if id != nil {
			count++
		}
	}
	if count != len(g.tasks) {
		return graphErrorf("topological sort covered %d of %d tasks", count, len(g.tasks))
	}
	return nil
}

// subset returns the set of task IDs under consideration. With
// incompleteOnly set, tasks already marked complete are excluded from all
// computations; their dependents treat them as satisfied prerequisites.
func (g *Graph) subset(incompleteOnly bool) map[string]bool {
	sub := make(map[string]bool, len(g.tasks))
	for id, task := range g.tasks {
		if incompleteOnly && task.Completed {
			continue
		}
		sub[id] = true
	}
	return sub
}

// depSatisfied reports whether depID counts as satisfied for scheduling
// purposes when it is not part of the subset being planned.
func (g *Graph) depSatisfied(depID string, sub map[string]bool) bool {
	if sub[depID] {
		return false // In subset: must be scheduled first.
	}
	dep, exists := g.tasks[depID]
	return exists && dep.Completed
}

// Traversal colors for cycle detection.
const (
	colorUnvisited = iota
	colorInProgress
	colorDone
)

// DetectCycles runs a depth-first traversal with three-coloring over the
// scheduled subset and returns every cycle found. Each cycle is the ordered
// ID sequence that closes back on its start; a task depending on itself is
// a length-1 cycle. A nil result means the subset is acyclic.
func (g *Graph) DetectCycles(incompleteOnly bool) [][]string {
	sub := g.subset(incompleteOnly)

	colors := make(map[string]int, len(sub))
	var cycles [][]string
	var path []string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = colorInProgress
		path = append(path, id)

		for _, depID := range g.tasks[id].DependsOn {
			if !sub[depID] {
				continue
			}
			switch colors[depID] {
			case colorUnvisited:
				visit(depID)
			case colorInProgress:
				// Found a back edge: the cycle is the path suffix
				// starting at depID.
				for i, pid := range path {
					if pid == depID {
						cycle := append([]string(nil), path[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		path = path[:len(path)-1]
		colors[id] = colorDone
	}

	// Deterministic visit order.
	for _, id := range g.ids {
		if sub[id] && colors[id] == colorUnvisited {
			visit(id)
		}
	}

	return cycles
}

// TopologicalOrder returns the scheduled subset in dependency order via
// Kahn's algorithm. Among currently-ready tasks, ties break by ascending
// priority, then by ID, so the order is deterministic. Returns a GraphError
// if any task remains un-orderable, which implies a cycle in the subset.
func (g *Graph) TopologicalOrder(incompleteOnly bool) ([]string, error) {
	sub := g.subset(incompleteOnly)

	remaining := make(map[string]int, len(sub))
	for id := range sub {
		degree := 0
		for _, depID := range g.tasks[id].DependsOn {
			if sub[depID] {
				degree++
			} else if !g.depSatisfied(depID, sub) {
				return nil, graphErrorf("task %q has unsatisfiable dependency %q", id, depID)
			}
		}
		remaining[id] = degree
	}

	var ready []string
	for id, degree := range remaining {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	g.sortByPriority(ready)

	order := make([]string, 0, len(sub))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		delete(remaining, id)

		for _, depID := range g.dependents[id] {
			if _, ok := remaining[depID]; !ok {
				continue
			}
			remaining[depID]--
			if remaining[depID] == 0 {
				ready = append(ready, depID)
			}
		}
		g.sortByPriority(ready)
	}

	if len(order) != len(sub) {
		var stuck []string
		for id := range remaining {
			stuck = append(stuck, id)
		}
		sort.Strings(stuck)
		return nil, graphErrorf("cycle prevents ordering of tasks: %s", strings.Join(stuck, ", "))
	}

	return order, nil
}

// ParallelBatches computes the ordered sequence of batches for the
// scheduled subset. Each step collects every remaining task whose
// dependencies are satisfied, sorts the ready set by priority, and emits it
// as one batch. Returns a GraphError if a step yields an empty ready set
// while tasks remain (cycle).
//
// Batch membership implies zero dependency edges among members; file-scope
// conflict resolution is a later pass owned by the merge controller.
func (g *Graph) ParallelBatches(incompleteOnly bool) ([][]string, error) {
	sub := g.subset(incompleteOnly)

	remaining := make(map[string]int, len(sub))
	for id := range sub {
		degree := 0
		for _, depID := range g.tasks[id].DependsOn {
			if sub[depID] {
				degree++
			} else if !g.depSatisfied(depID, sub) {
				return nil, graphErrorf("task %q has unsatisfiable dependency %q", id, depID)
			}
		}
		remaining[id] = degree
	}

	var batches [][]string
	for len(remaining) > 0 {
		var ready []string
		for id, degree := range remaining {
			if degree == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, graphErrorf("cycle prevents batching of tasks: %s", strings.Join(stuck, ", "))
		}

		g.sortByPriority(ready)
		batches = append(batches, ready)

		for _, id := range ready {
			delete(remaining, id)
			for _, depID := range g.dependents[id] {
				if _, ok := remaining[depID]; ok {
					remaining[depID]--
				}
			}
		}
	}

	return batches, nil
}

// sortByPriority orders IDs by ascending task priority, breaking ties by ID.
func (g *Graph) sortByPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.tasks[ids[i]], g.tasks[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}
