package types

import (
	"github.com/google/uuid"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/failure"
)

// ActionKind is the closed sum of work kinds an action can carry. Executors
// dispatch on kind rather than on per-behaviour virtual methods.
type ActionKind string

const (
	ActionSleep              ActionKind = "sleep"
	ActionCompute            ActionKind = "compute"
	ActionFileRead           ActionKind = "file-read"
	ActionFileWrite          ActionKind = "file-write"
	ActionFileCopy           ActionKind = "file-copy"
	ActionFileDelete         ActionKind = "file-delete"
	ActionFileRegistryAdd    ActionKind = "file-registry-add"
	ActionFileRegistryDelete ActionKind = "file-registry-delete"
	ActionCustom             ActionKind = "custom"
)

// ActionState is the action lifecycle state machine. STARTED is entered
// when an executor begins; terminal states are written exactly once per
// execution attempt.
type ActionState string

const (
	ActionNotReady  ActionState = "NOT_READY"
	ActionReady     ActionState = "READY"
	ActionStarted   ActionState = "STARTED"
	ActionCompleted ActionState = "COMPLETED"
	ActionFailed    ActionState = "FAILED"
	ActionKilled    ActionState = "KILLED"
)

// Terminal reports whether s is one of the three terminal states.
func (s ActionState) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionKilled
}

// AllActionStates lists every state, in lifecycle order.
var AllActionStates = []ActionState{
	ActionNotReady, ActionReady, ActionStarted,
	ActionCompleted, ActionFailed, ActionKilled,
}

// ComputeEndpoint is the capability a custom action's body needs from a
// compute service to submit jobs against it. Every compute service
// satisfies it (it is the address half of the compute.Service contract),
// the same way storage services satisfy StorageEndpoint.
type ComputeEndpoint interface {
	Name() string
	Hostname() string
	Mailbox() *actor.Commport
	IsUp() bool
}

// CustomJobManager is the job-manager surface a custom action's body
// programs against; its calls run inside the executor's cooperative slot.
type CustomJobManager interface {
	CreateCompoundJob(name string) *CompoundJob
	SubmitJob(job *CompoundJob, service ComputeEndpoint, args map[string]string) *failure.Cause
	TerminateJob(job *CompoundJob) *failure.Cause
}

// CustomDataMovementManager is the data-movement surface a custom action's
// body programs against.
type CustomDataMovementManager interface {
	DoSynchronousFileCopy(src, dst *Location) *failure.Cause
	InitiateAsynchronousFileCopy(src, dst *Location)
	DoSynchronousFileDelete(loc *Location) *failure.Cause
}

// CustomExecutor is the handle a custom action's body receives. It exposes
// the executor's identity, the blocking helpers the body may suspend on,
// and manager factories whose events arrive through WaitForNextEvent;
// everything it does runs inside the executor's cooperative slot.
type CustomExecutor interface {
	Hostname() string
	PhysicalHostname() string
	Sleep(seconds float64) *failure.Cause
	Compute(flops float64) *failure.Cause
	ReadFile(loc *Location, numBytes float64) *failure.Cause
	WriteFile(loc *Location, numBytes float64) *failure.Cause
	CopyFile(src, dst *Location) *failure.Cause
	CreateJobManager() (CustomJobManager, *failure.Cause)
	CreateDataMovementManager() (CustomDataMovementManager, *failure.Cause)
	WaitForNextEvent() (any, *failure.Cause)
}

// CustomFn is the body of a custom action.
type CustomFn func(exec CustomExecutor) *failure.Cause

// ExecutionAttempt is one frame of an action's execution history. A restart
// pushes a new frame whose initial state inherits the final state of the
// previous attempt.
type ExecutionAttempt struct {
	State         ActionState
	StartDate     float64
	EndDate       float64
	ExecutionHost string
	NumCores      int
	RAM           float64
	Failure       *failure.Cause
}

// Action is one unit of simulated work inside a compound job. Parent and
// child references are non-owning; the job owns its actions and their
// state-transition bookkeeping.
type Action struct {
	ID   string
	Name string
	Kind ActionKind
	Job  *CompoundJob

	MinCores               int
	MaxCores               int
	MinRAM                 float64
	ThreadCreationOverhead float64
	Parallel               ParallelModel

	// Kind-specific payload; only the fields relevant to Kind are set.
	SleepTime float64
	Flops     float64
	NumBytes  float64
	FileLoc   *Location // file-read, file-write, file-delete, registry ops
	SrcLoc    *Location // file-copy
	DstLoc    *Location // file-copy
	Custom    CustomFn

	Priority float64

	parents  map[string]*Action
	children map[string]*Action

	history []*ExecutionAttempt
}

func newAction(job *CompoundJob, name string, kind ActionKind) *Action {
	if name == "" {
		name = string(kind) + "-" + uuid.NewString()[:8]
	}
	a := &Action{
		ID:       uuid.NewString(),
		Name:     name,
		Kind:     kind,
		Job:      job,
		MinCores: 1,
		MaxCores: 1,
		Parallel: DefaultParallelModel(),
		parents:  make(map[string]*Action),
		children: make(map[string]*Action),
	}
	a.history = []*ExecutionAttempt{{State: ActionNotReady, StartDate: -1, EndDate: -1}}
	return a
}

// Attempt returns the current (most recent) execution-history frame.
func (a *Action) Attempt() *ExecutionAttempt { return a.history[len(a.history)-1] }

// History returns all execution attempts, oldest first.
func (a *Action) History() []*ExecutionAttempt { return a.history }

// State returns the action's current state.
func (a *Action) State() ActionState { return a.Attempt().State }

// FailureCause returns the cause recorded on the current attempt, if any.
func (a *Action) FailureCause() *failure.Cause { return a.Attempt().Failure }

// StartDate and EndDate report the current attempt's window (-1 if unset).
func (a *Action) StartDate() float64 { return a.Attempt().StartDate }
func (a *Action) EndDate() float64   { return a.Attempt().EndDate }

// Parents returns the action's parent set.
func (a *Action) Parents() []*Action {
	out := make([]*Action, 0, len(a.parents))
	for _, p := range a.parents {
		out = append(out, p)
	}
	return out
}

// Children returns the action's child set.
func (a *Action) Children() []*Action {
	out := make([]*Action, 0, len(a.children))
	for _, c := range a.children {
		out = append(out, c)
	}
	return out
}

// SetState transitions the action, updating the owning job's per-state
// bookkeeping. Writing a terminal state twice on the same attempt is an
// internal invariant violation.
func (a *Action) SetState(s ActionState) *failure.Cause {
	cur := a.Attempt()
	if cur.State.Terminal() && s.Terminal() {
		return failure.New(failure.FatalFailure,
			"action %s: terminal state %s written twice (now %s)", a.Name, cur.State, s)
	}
	prev := cur.State
	cur.State = s
	if a.Job != nil {
		a.Job.updateStateActionMap(a, prev, s)
	}
	return nil
}

// Restart pushes a fresh history frame whose initial state inherits the
// final state of the previous attempt, then rewinds it to NOT_READY or
// READY depending on parent completion.
func (a *Action) Restart() {
	prev := a.Attempt().State
	a.history = append(a.history, &ExecutionAttempt{State: prev, StartDate: -1, EndDate: -1})
	next := ActionNotReady
	if a.ParentsDone() {
		next = ActionReady
	}
	a.SetState(next)
}

// ParentsDone reports whether every parent has COMPLETED.
func (a *Action) ParentsDone() bool {
	for _, p := range a.parents {
		if p.State() != ActionCompleted {
			return false
		}
	}
	return true
}

// reachable reports whether target can be reached from a by following
// child edges; used for cycle detection before adding a dependency.
func (a *Action) reachable(target *Action) bool {
	if a == target {
		return true
	}
	for _, c := range a.children {
		if c.reachable(target) {
			return true
		}
	}
	return false
}
