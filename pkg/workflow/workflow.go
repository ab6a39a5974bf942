// Package workflow is the presentation layer over compound jobs: a Workflow
// is a DAG of WorkflowTasks, each carrying a flop budget, a core range, a
// parallel-efficiency model, a RAM footprint, and input/output file sets. A
// task maps into one or more actions when a StandardJob is built from it
// and submitted.
package workflow

import (
	"github.com/google/uuid"

	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// TaskState mirrors the lifecycle of the job the task was mapped into.
type TaskState string

const (
	TaskNotReady  TaskState = "NOT_READY"
	TaskReady     TaskState = "READY"
	TaskPending   TaskState = "PENDING"
	TaskCompleted TaskState = "COMPLETED"
)

// Task is one node of a workflow DAG.
type Task struct {
	ID       string
	Flops    float64
	MinCores int
	MaxCores int
	RAM      float64
	Parallel types.ParallelModel

	State TaskState

	inputs  map[string]*types.File
	outputs map[string]*types.File

	parents  map[string]*Task
	children map[string]*Task

	workflow *Workflow
}

// AddInputFile declares f as consumed by the task, wiring a data dependency
// from whichever task produces it.
func (t *Task) AddInputFile(f *types.File) {
	t.inputs[f.ID] = f
	if producer, ok := t.workflow.producers[f.ID]; ok {
		t.workflow.addEdge(producer, t)
	}
}

// AddOutputFile declares f as produced by the task.
func (t *Task) AddOutputFile(f *types.File) {
	t.outputs[f.ID] = f
	t.workflow.producers[f.ID] = t
	for _, other := range t.workflow.tasks {
		if _, consumes := other.inputs[f.ID]; consumes && other != t {
			t.workflow.addEdge(t, other)
		}
	}
}

// InputFiles returns the task's declared inputs.
func (t *Task) InputFiles() []*types.File {
	out := make([]*types.File, 0, len(t.inputs))
	for _, f := range t.inputs {
		out = append(out, f)
	}
	return out
}

// OutputFiles returns the task's declared outputs.
func (t *Task) OutputFiles() []*types.File {
	out := make([]*types.File, 0, len(t.outputs))
	for _, f := range t.outputs {
		out = append(out, f)
	}
	return out
}

// Parents returns the task's parent set.
func (t *Task) Parents() []*Task {
	out := make([]*Task, 0, len(t.parents))
	for _, p := range t.parents {
		out = append(out, p)
	}
	return out
}

// Ready reports whether the task has not completed and every parent task
// has.
func (t *Task) Ready() bool {
	if t.State == TaskCompleted {
		return false
	}
	for _, p := range t.parents {
		if p.State != TaskCompleted {
			return false
		}
	}
	return true
}

// Workflow is a finite DAG of tasks.
type Workflow struct {
	Name string

	tasks     map[string]*Task
	producers map[string]*Task // file id -> producing task
}

// New creates an empty workflow (auto-generated name when empty).
func New(name string) *Workflow {
	if name == "" {
		name = "workflow-" + uuid.NewString()[:8]
	}
	return &Workflow{
		Name:      name,
		tasks:     make(map[string]*Task),
		producers: make(map[string]*Task),
	}
}

// AddTask creates a task; IDs must be unique within the workflow.
func (w *Workflow) AddTask(id string, flops float64, minCores, maxCores int, ram float64) (*Task, *failure.Cause) {
	if _, dup := w.tasks[id]; dup {
		return nil, failure.New(failure.InvalidArgument, "workflow %s already has task %q", w.Name, id)
	}
	if minCores < 1 || maxCores < minCores {
		return nil, failure.New(failure.InvalidArgument, "task %q: invalid core range [%d,%d]", id, minCores, maxCores)
	}
	t := &Task{
		ID:       id,
		Flops:    flops,
		MinCores: minCores,
		MaxCores: maxCores,
		RAM:      ram,
		Parallel: types.DefaultParallelModel(),
		State:    TaskNotReady,
		inputs:   make(map[string]*types.File),
		outputs:  make(map[string]*types.File),
		parents:  make(map[string]*Task),
		children: make(map[string]*Task),
		workflow: w,
	}
	w.tasks[id] = t
	return t, nil
}

// Task looks up a task by id.
func (w *Workflow) Task(id string) (*Task, bool) {
	t, ok := w.tasks[id]
	return t, ok
}

// Tasks returns every task.
func (w *Workflow) Tasks() []*Task {
	out := make([]*Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t)
	}
	return out
}

// AddControlDependency adds an explicit parent -> child edge, refusing
// cycles.
func (w *Workflow) AddControlDependency(parent, child *Task) *failure.Cause {
	if parent == child || w.reachable(child, parent) {
		return failure.New(failure.InvalidArgument,
			"workflow %s: edge %s -> %s would create a cycle", w.Name, parent.ID, child.ID)
	}
	w.addEdge(parent, child)
	return nil
}

func (w *Workflow) addEdge(parent, child *Task) {
	parent.children[child.ID] = child
	child.parents[parent.ID] = parent
}

func (w *Workflow) reachable(from, to *Task) bool {
	if from == to {
		return true
	}
	for _, c := range from.children {
		if w.reachable(c, to) {
			return true
		}
	}
	return false
}

// ReadyTasks returns every task whose parents have all completed and that
// has not itself completed or been handed to a service.
func (w *Workflow) ReadyTasks() []*Task {
	var out []*Task
	for _, t := range w.tasks {
		if t.State != TaskNotReady && t.State != TaskReady {
			continue
		}
		if t.Ready() {
			t.State = TaskReady
			out = append(out, t)
		}
	}
	return out
}

// InputFiles returns the files consumed by some task but produced by none,
// i.e. the workflow's external inputs.
func (w *Workflow) InputFiles() []*types.File {
	seen := make(map[string]*types.File)
	for _, t := range w.tasks {
		for id, f := range t.inputs {
			if _, produced := w.producers[id]; !produced {
				seen[id] = f
			}
		}
	}
	out := make([]*types.File, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	return out
}

// IsDone reports whether every task has completed.
func (w *Workflow) IsDone() bool {
	for _, t := range w.tasks {
		if t.State != TaskCompleted {
			return false
		}
	}
	return true
}
