package job

import (
	"fmt"

	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
	"github.com/cuemby/wrenchgo/pkg/workflow"
)

// StandardJob is the fixed-shape convenience projection over a compound
// job: pre-file-copies, then per-task file reads, compute, and file writes,
// then post-file-copies, then cleanup deletions.
type StandardJob struct {
	Compound *types.CompoundJob
	Tasks    []*workflow.Task
}

// FileCopySpec is one (src, dst) pair in a standard job's pre or post copy
// stage.
type FileCopySpec struct {
	Src *types.Location
	Dst *types.Location
}

// CreateStandardJob assembles a compound job from workflow tasks.
// fileLocations maps file ids to where each task input is read from and
// each output written to (a scratch location when absent and the target
// service has scratch). preCopies run before any task, postCopies and
// cleanup deletions after every task.
func (m *Manager) CreateStandardJob(tasks []*workflow.Task,
	fileLocations map[string]*types.Location,
	preCopies, postCopies []FileCopySpec,
	cleanup []*types.Location) (*StandardJob, *failure.Cause) {

	if len(tasks) == 0 {
		return nil, failure.New(failure.InvalidArgument, "standard job needs at least one task")
	}
	j := m.CreateCompoundJob("")

	var preActions []*types.Action
	for i, cp := range preCopies {
		a, cause := j.AddFileCopyAction(fmt.Sprintf("pre-copy-%d", i), cp.Src, cp.Dst)
		if cause != nil {
			return nil, cause
		}
		preActions = append(preActions, a)
	}

	locate := func(f *types.File) *types.Location {
		if loc, ok := fileLocations[f.ID]; ok {
			return loc
		}
		return types.ScratchLocation(f)
	}

	taskCompute := make(map[string]*types.Action, len(tasks))
	var lastPerTask []*types.Action
	for _, task := range tasks {
		compute, cause := j.AddComputeAction("task-"+task.ID, task.Flops, task.RAM,
			task.MinCores, task.MaxCores, task.Parallel)
		if cause != nil {
			return nil, cause
		}
		taskCompute[task.ID] = compute

		for _, f := range task.InputFiles() {
			read, cause := j.AddFileReadAction(fmt.Sprintf("read-%s-%s", task.ID, f.ID), locate(f), f.Size)
			if cause != nil {
				return nil, cause
			}
			for _, pre := range preActions {
				j.AddActionDependency(pre, read)
			}
			j.AddActionDependency(read, compute)
		}
		if len(task.InputFiles()) == 0 {
			for _, pre := range preActions {
				j.AddActionDependency(pre, compute)
			}
		}

		taskLast := compute
		for _, f := range task.OutputFiles() {
			write, cause := j.AddFileWriteAction(fmt.Sprintf("write-%s-%s", task.ID, f.ID), locate(f))
			if cause != nil {
				return nil, cause
			}
			j.AddActionDependency(compute, write)
			taskLast = write
		}
		lastPerTask = append(lastPerTask, taskLast)

		// Intra-job task ordering follows the workflow DAG.
		for _, parent := range task.Parents() {
			if pc, ok := taskCompute[parent.ID]; ok {
				j.AddActionDependency(pc, compute)
			}
		}
		task.State = workflow.TaskPending
	}

	var tail []*types.Action
	for i, cp := range postCopies {
		a, cause := j.AddFileCopyAction(fmt.Sprintf("post-copy-%d", i), cp.Src, cp.Dst)
		if cause != nil {
			return nil, cause
		}
		for _, last := range lastPerTask {
			j.AddActionDependency(last, a)
		}
		tail = append(tail, a)
	}
	if len(tail) == 0 {
		tail = lastPerTask
	}
	for i, loc := range cleanup {
		a, cause := j.AddFileDeleteAction(fmt.Sprintf("cleanup-%d", i), loc)
		if cause != nil {
			return nil, cause
		}
		for _, prev := range tail {
			j.AddActionDependency(prev, a)
		}
	}

	sj := &StandardJob{Compound: j, Tasks: tasks}
	m.standard[j.ID] = sj
	return sj, nil
}

// markTasksDone flips every task to completed when the compound job
// finishes.
func (sj *StandardJob) markTasksDone() {
	for _, t := range sj.Tasks {
		t.State = workflow.TaskCompleted
	}
}
