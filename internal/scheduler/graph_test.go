package scheduler

import (
	"errors"
	"strings"
	"testing"
)

func mustGraph(t *testing.T, tasks []*Task) *Graph {
	t.Helper()
	g, err := NewGraph(tasks)
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	return g
}

func TestNewGraph(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid chain",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
		},
		{
			name: "unknown dependency",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"missing"}},
			},
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name: "duplicate ID",
			tasks: []*Task{
				{ID: "A"},
				{ID: "A"},
			},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:  "empty set",
			tasks: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.tasks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var gerr *GraphError
				if !errors.As(err, &gerr) {
					t.Errorf("expected GraphError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantErr bool
	}{
		{
			name: "acyclic diamond",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"B", "C"}},
			},
		},
		{
			name: "direct cycle",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr: true,
		},
		{
			name: "self loop",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"A"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGraph(t, tt.tasks)
			err := g.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected cycle error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name       string
		tasks      []*Task
		wantCycles int
		wantMember string // an ID that must appear in some cycle
	}{
		{
			name: "acyclic",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantCycles: 0,
		},
		{
			name: "self loop is a length-1 cycle",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"A"}},
			},
			wantCycles: 1,
			wantMember: "A",
		},
		{
			name: "transitive cycle",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"C"}},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			wantCycles: 1,
			wantMember: "B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGraph(t, tt.tasks)
			cycles := g.DetectCycles(false)
			if len(cycles) != tt.wantCycles {
				t.Fatalf("got %d cycles %v, want %d", len(cycles), cycles, tt.wantCycles)
			}
			if tt.wantMember == "" {
				return
			}
			found := false
			for _, cycle := range cycles {
				for _, id := range cycle {
					if id == tt.wantMember {
						found = true
					}
				}
			}
			if !found {
				t.Errorf("cycles %v do not contain %q", cycles, tt.wantMember)
			}
		})
	}
}

func TestDetectCyclesSelfLoopLength(t *testing.T) {
	g := mustGraph(t, []*Task{{ID: "A", DependsOn: []string{"A"}}})
	cycles := g.DetectCycles(false)
	if len(cycles) != 1 || len(cycles[0]) != 1 || cycles[0][0] != "A" {
		t.Errorf("self loop should be the length-1 cycle [A], got %v", cycles)
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "D", DependsOn: []string{"B", "C"}},
		{ID: "B", DependsOn: []string{"A"}, Priority: 2},
		{ID: "C", DependsOn: []string{"A"}, Priority: 1},
		{ID: "A"},
	})

	order, err := g.TopologicalOrder(false)
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}

	if len(order) != 4 {
		t.Fatalf("expected every task exactly once, got %v", order)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, task := range g.Tasks() {
		for _, dep := range task.DependsOn {
			if pos[dep] > pos[task.ID] {
				t.Errorf("task %q precedes its dependency %q in %v", task.ID, dep, order)
			}
		}
	}

	// C (priority 1) becomes ready together with B (priority 2) and must
	// come first.
	if pos["C"] > pos["B"] {
		t.Errorf("priority tie-break violated: %v", order)
	}
}

func TestTopologicalOrderCycle(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C"},
	})

	_, err := g.TopologicalOrder(false)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Errorf("expected GraphError, got %T", err)
	}
}

func TestParallelBatches(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "A"},
		{ID: "B"},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"A", "B"}},
		{ID: "E", DependsOn: []string{"C", "D"}},
	})

	batches, err := g.ParallelBatches(false)
	if err != nil {
		t.Fatalf("ParallelBatches failed: %v", err)
	}

	want := [][]string{{"A", "B"}, {"C", "D"}, {"E"}}
	if len(batches) != len(want) {
		t.Fatalf("got %v, want %v", batches, want)
	}
	for i := range want {
		if len(batches[i]) != len(want[i]) {
			t.Fatalf("batch %d: got %v, want %v", i, batches[i], want[i])
		}
		for j := range want[i] {
			if batches[i][j] != want[i][j] {
				t.Errorf("batch %d: got %v, want %v", i, batches[i], want[i])
			}
		}
	}

	// No two tasks in the same batch may share a dependency edge.
	for _, batch := range batches {
		members := make(map[string]bool)
		for _, id := range batch {
			members[id] = true
		}
		for _, id := range batch {
			task, _ := g.Get(id)
			for _, dep := range task.DependsOn {
				if members[dep] {
					t.Errorf("batch %v contains dependency edge %s -> %s", batch, id, dep)
				}
			}
		}
	}
}

func TestParallelBatchesMatchTopologicalOrder(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"B"}},
	})

	order, err := g.TopologicalOrder(false)
	if err != nil {
		t.Fatal(err)
	}
	batches, err := g.ParallelBatches(false)
	if err != nil {
		t.Fatal(err)
	}

	flat := make(map[string]bool)
	for _, batch := range batches {
		for _, id := range batch {
			flat[id] = true
		}
	}
	if len(flat) != len(order) {
		t.Errorf("batches %v cover %d tasks, order %v covers %d", batches, len(flat), order, len(order))
	}
	for _, id := range order {
		if !flat[id] {
			t.Errorf("task %q in order but not in any batch", id)
		}
	}
}

func TestParallelBatchesCycle(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	})

	if _, err := g.ParallelBatches(false); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestIncompleteOnlyFilter(t *testing.T) {
	// A is already complete; B depends on it and must be immediately
	// ready because a completed prerequisite counts as satisfied.
	g := mustGraph(t, []*Task{
		{ID: "A", Completed: true},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	})

	batches, err := g.ParallelBatches(true)
	if err != nil {
		t.Fatalf("ParallelBatches failed: %v", err)
	}
	if len(batches) != 2 || batches[0][0] != "B" || batches[1][0] != "C" {
		t.Errorf("expected [[B] [C]], got %v", batches)
	}

	order, err := g.TopologicalOrder(true)
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("completed task leaked into order: %v", order)
	}
}

func TestExecutionPlan(t *testing.T) {
	g := mustGraph(t, []*Task{
		{ID: "A", Title: "first"},
		{ID: "B"},
		{ID: "C", DependsOn: []string{"A"}},
	})

	plan, err := g.ExecutionPlan(false)
	if err != nil {
		t.Fatalf("ExecutionPlan failed: %v", err)
	}

	if plan.TotalTasks != 3 {
		t.Errorf("TotalTasks = %d, want 3", plan.TotalTasks)
	}
	if plan.BatchCount != 2 {
		t.Errorf("BatchCount = %d, want 2", plan.BatchCount)
	}
	if plan.MaxWidth != 2 {
		t.Errorf("MaxWidth = %d, want 2", plan.MaxWidth)
	}
	if tp := plan.TaskPlans["C"]; tp.BatchIndex != 1 {
		t.Errorf("task C batch index = %d, want 1", tp.BatchIndex)
	}
	if tp := plan.TaskPlans["A"]; tp.Title != "first" {
		t.Errorf("task A title = %q", tp.Title)
	}
}

func TestExecutionPlanEmpty(t *testing.T) {
	g := mustGraph(t, nil)
	plan, err := g.ExecutionPlan(false)
	if err != nil {
		t.Fatalf("empty subset should not error: %v", err)
	}
	if plan.TotalTasks != 0 || plan.BatchCount != 0 || plan.MaxWidth != 0 {
		t.Errorf("expected empty plan, got %+v", plan)
	}
}
