package scheduler

// TaskPlan is the per-task slice of an execution plan.
type TaskPlan struct {
	ID         string
	Title      string
	Priority   int
	BatchIndex int
	FileScope  []string
	DependsOn  []string
}

// Plan aggregates the batch computation for downstream components and
// observers: the orchestrator drives execution from Batches, the dashboard
// layer reads the totals and per-task metadata.
type Plan struct {
	TotalTasks int
	BatchCount int
	MaxWidth   int
	Batches    [][]string
	TaskPlans  map[string]TaskPlan
}

// ExecutionPlan computes parallel batches over the scheduled subset and
// aggregates them into a Plan. An empty subset yields an empty plan, not an
// error.
func (g *Graph) ExecutionPlan(incompleteOnly bool) (*Plan, error) {
	batches, err := g.ParallelBatches(incompleteOnly)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Batches:   batches,
		TaskPlans: make(map[string]TaskPlan),
	}

	for i, batch := range batches {
		if len(batch) > plan.MaxWidth {
			plan.MaxWidth = len(batch)
		}
		for _, id := range batch {
			task := g.tasks[id]
			plan.TaskPlans[id] = TaskPlan{
				ID:         task.ID,
				Title:      task.Title,
				Priority:   task.Priority,
				BatchIndex: i,
				FileScope:  append([]string(nil), task.FileScope...),
				DependsOn:  append([]string(nil), task.DependsOn...),
			}
			plan.TotalTasks++
		}
	}
	plan.BatchCount = len(batches)

	return plan, nil
}
