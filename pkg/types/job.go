package types

import (
	"github.com/google/uuid"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/failure"
)

// JobState is the compound-job lifecycle at its target compute service.
type JobState string

const (
	JobNotSubmitted JobState = "NOT_SUBMITTED"
	JobPending      JobState = "PENDING"
	JobRunning      JobState = "RUNNING"
	JobCompleted    JobState = "COMPLETED"
	JobDiscontinued JobState = "DISCONTINUED"
)

// Terminal reports whether the job state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobDiscontinued
}

// CompoundJob is a DAG of actions and the unit of submission to a compute
// service. The job owns its actions; parent/child links between actions are
// non-owning name references into the job's action table.
type CompoundJob struct {
	ID       string
	Name     string
	Priority float64

	PreJobOverhead  float64
	PostJobOverhead float64
	SubmitDate      float64
	EndDate         float64

	ServiceSpecificArgs map[string]string

	State JobState

	// NotifyPort is where the managing JobManager listens for this job's
	// terminal notifications from the executing compute service.
	NotifyPort *actor.Commport

	actions      map[string]*Action
	stateActions map[ActionState]map[string]*Action

	parentJobs []*CompoundJob
	childJobs  []*CompoundJob
}

// NewCompoundJob creates an empty job (auto-generated name when empty).
func NewCompoundJob(name string) *CompoundJob {
	if name == "" {
		name = "job-" + uuid.NewString()[:8]
	}
	j := &CompoundJob{
		ID:           uuid.NewString(),
		Name:         name,
		SubmitDate:   -1,
		EndDate:      -1,
		State:        JobNotSubmitted,
		actions:      make(map[string]*Action),
		stateActions: make(map[ActionState]map[string]*Action),
	}
	for _, s := range AllActionStates {
		j.stateActions[s] = make(map[string]*Action)
	}
	return j
}

// addAction installs a freshly built action, enforcing name uniqueness.
func (j *CompoundJob) addAction(a *Action) (*Action, *failure.Cause) {
	if _, dup := j.actions[a.Name]; dup {
		return nil, failure.New(failure.InvalidArgument,
			"job %s already has an action named %q", j.Name, a.Name)
	}
	j.actions[a.Name] = a
	j.stateActions[a.State()][a.Name] = a
	return a, nil
}

// AddSleepAction adds an action that advances the clock by sleepTime.
func (j *CompoundJob) AddSleepAction(name string, sleepTime float64) (*Action, *failure.Cause) {
	a := newAction(j, name, ActionSleep)
	a.SleepTime = sleepTime
	return j.addAction(a)
}

// AddComputeAction adds a flop-burning action with a core range, a RAM
// footprint, and a parallel-efficiency model.
func (j *CompoundJob) AddComputeAction(name string, flops, minRAM float64, minCores, maxCores int, model ParallelModel) (*Action, *failure.Cause) {
	if minCores < 1 || maxCores < minCores {
		return nil, failure.New(failure.InvalidArgument,
			"job %s action %q: invalid core range [%d,%d]", j.Name, name, minCores, maxCores)
	}
	a := newAction(j, name, ActionCompute)
	a.Flops = flops
	a.MinRAM = minRAM
	a.MinCores = minCores
	a.MaxCores = maxCores
	if model != nil {
		a.Parallel = model
	}
	return j.addAction(a)
}

// AddFileReadAction adds an action reading numBytes of the file at loc
// (numBytes <= 0 means the whole file).
func (j *CompoundJob) AddFileReadAction(name string, loc *Location, numBytes float64) (*Action, *failure.Cause) {
	if numBytes <= 0 || numBytes > loc.File.Size {
		numBytes = loc.File.Size
	}
	a := newAction(j, name, ActionFileRead)
	a.FileLoc = loc
	a.NumBytes = numBytes
	return j.addAction(a)
}

// AddFileWriteAction adds an action writing the whole file at loc.
func (j *CompoundJob) AddFileWriteAction(name string, loc *Location) (*Action, *failure.Cause) {
	a := newAction(j, name, ActionFileWrite)
	a.FileLoc = loc
	a.NumBytes = loc.File.Size
	return j.addAction(a)
}

// AddFileCopyAction adds an action copying src to dst.
func (j *CompoundJob) AddFileCopyAction(name string, src, dst *Location) (*Action, *failure.Cause) {
	if src.File.ID != dst.File.ID {
		return nil, failure.New(failure.InvalidArgument,
			"job %s action %q: copy source and destination carry different files", j.Name, name)
	}
	a := newAction(j, name, ActionFileCopy)
	a.SrcLoc = src
	a.DstLoc = dst
	a.NumBytes = src.File.Size
	return j.addAction(a)
}

// AddFileDeleteAction adds an action deleting the file at loc.
func (j *CompoundJob) AddFileDeleteAction(name string, loc *Location) (*Action, *failure.Cause) {
	a := newAction(j, name, ActionFileDelete)
	a.FileLoc = loc
	return j.addAction(a)
}

// AddFileRegistryAddAction adds an action registering loc with the file
// registry service.
func (j *CompoundJob) AddFileRegistryAddAction(name string, loc *Location) (*Action, *failure.Cause) {
	a := newAction(j, name, ActionFileRegistryAdd)
	a.FileLoc = loc
	return j.addAction(a)
}

// AddFileRegistryDeleteAction adds an action removing loc from the file
// registry service.
func (j *CompoundJob) AddFileRegistryDeleteAction(name string, loc *Location) (*Action, *failure.Cause) {
	a := newAction(j, name, ActionFileRegistryDelete)
	a.FileLoc = loc
	return j.addAction(a)
}

// AddCustomAction adds a user-lambda action with a resource envelope.
func (j *CompoundJob) AddCustomAction(name string, minRAM float64, minCores, maxCores int, fn CustomFn) (*Action, *failure.Cause) {
	if minCores < 1 || maxCores < minCores {
		return nil, failure.New(failure.InvalidArgument,
			"job %s action %q: invalid core range [%d,%d]", j.Name, name, minCores, maxCores)
	}
	a := newAction(j, name, ActionCustom)
	a.MinRAM = minRAM
	a.MinCores = minCores
	a.MaxCores = maxCores
	a.Custom = fn
	return j.addAction(a)
}

// AddActionDependency makes child wait for parent. Refuses edges that would
// close a cycle or that cross job boundaries.
func (j *CompoundJob) AddActionDependency(parent, child *Action) *failure.Cause {
	if parent == nil || child == nil || parent.Job != j || child.Job != j {
		return failure.New(failure.InvalidArgument,
			"job %s: dependency endpoints must both belong to this job", j.Name)
	}
	if parent == child || child.reachable(parent) {
		return failure.New(failure.InvalidArgument,
			"job %s: edge %s -> %s would create a cycle", j.Name, parent.Name, child.Name)
	}
	parent.children[child.Name] = child
	child.parents[parent.Name] = parent
	if child.State() == ActionReady && !child.ParentsDone() {
		child.SetState(ActionNotReady)
	}
	return nil
}

// AddParentJob records an inter-job dependency; this job is only
// submittable once every parent job is terminal.
func (j *CompoundJob) AddParentJob(parent *CompoundJob) {
	j.parentJobs = append(j.parentJobs, parent)
	parent.childJobs = append(parent.childJobs, j)
}

// Submittable reports whether no parent job remains in a non-terminal state.
func (j *CompoundJob) Submittable() bool {
	for _, p := range j.parentJobs {
		if !p.State.Terminal() {
			return false
		}
	}
	return true
}

// Actions returns every action in the job.
func (j *CompoundJob) Actions() []*Action {
	out := make([]*Action, 0, len(j.actions))
	for _, a := range j.actions {
		out = append(out, a)
	}
	return out
}

// Action looks up an action by name.
func (j *CompoundJob) Action(name string) (*Action, bool) {
	a, ok := j.actions[name]
	return a, ok
}

// ActionsInState returns the set of actions currently in state s.
func (j *CompoundJob) ActionsInState(s ActionState) []*Action {
	out := make([]*Action, 0, len(j.stateActions[s]))
	for _, a := range j.stateActions[s] {
		out = append(out, a)
	}
	return out
}

// updateStateActionMap keeps the per-state action sets consistent with an
// action's transition; the union over states always equals the action set.
func (j *CompoundJob) updateStateActionMap(a *Action, from, to ActionState) {
	delete(j.stateActions[from], a.Name)
	j.stateActions[to][a.Name] = a
}

// MarkReadyActions promotes every NOT_READY action whose parents have all
// completed, returning the promoted set.
func (j *CompoundJob) MarkReadyActions() []*Action {
	var promoted []*Action
	for _, a := range j.ActionsInState(ActionNotReady) {
		if a.ParentsDone() {
			a.SetState(ActionReady)
			promoted = append(promoted, a)
		}
	}
	return promoted
}

// AllTerminal reports whether every action has reached a terminal state.
func (j *CompoundJob) AllTerminal() bool {
	for _, a := range j.actions {
		if !a.State().Terminal() {
			return false
		}
	}
	return true
}

// HasFailed reports whether any action ended FAILED or KILLED, and returns
// the first such cause found.
func (j *CompoundJob) HasFailed() (bool, *failure.Cause) {
	for _, a := range j.actions {
		s := a.State()
		if s == ActionFailed || s == ActionKilled {
			cause := a.FailureCause()
			if cause == nil {
				cause = failure.New(failure.JobKilled, "action %s was killed", a.Name)
			}
			return true, cause
		}
	}
	return false, nil
}

// MinimumRequiredCores returns the largest per-action MinCores, i.e. the
// smallest host the job could ever run on, core-wise.
func (j *CompoundJob) MinimumRequiredCores() int {
	min := 0
	for _, a := range j.actions {
		if a.MinCores > min {
			min = a.MinCores
		}
	}
	return min
}

// MinimumRequiredRAM returns the largest per-action MinRAM.
func (j *CompoundJob) MinimumRequiredRAM() float64 {
	var min float64
	for _, a := range j.actions {
		if a.MinRAM > min {
			min = a.MinRAM
		}
	}
	return min
}
