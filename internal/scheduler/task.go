package scheduler

// Task represents one story from the requirements document: a unit of
// declared work with dependencies, a file scope, and a priority.
//
// Tasks are supplied by the document loader and are treated as immutable
// once a plan has been computed over them. A new Graph is built if the
// inputs change.
type Task struct {
	ID        string   // Unique identifier
	Title     string   // Human-readable title
	DependsOn []string // Task IDs this task depends on, in declared order
	FileScope []string // Path patterns this task is expected to modify
	Priority  int      // Lower value = more urgent
	Completed bool     // Set by the loader when the story is already done
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.FileScope != nil {
		cp.FileScope = append([]string(nil), task.FileScope...)
	}
	return &cp
}
