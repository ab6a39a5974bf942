// Package executor implements the smallest actor in the simulator: one
// ActionExecutor owns one action and the (cores, ram) reserved for it on
// its host, drives the action's kind-specific simulated work, and reports
// the terminal outcome to its parent compute service. Resource release and
// the terminal state write happen exactly once per attempt.
package executor

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/job"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// DoneMessage is sent to the parent service's commport on every exit path.
type DoneMessage struct {
	Action *types.Action
	Cause  *failure.Cause // nil on success
}

// Executor describes one action execution. The parent service fills it in
// and calls Spawn.
type Executor struct {
	Action *types.Action
	Host   *platform.Host
	// Hostname is the logical host the action believes it runs on; it
	// differs from Host.Name inside a VM.
	Hostname string
	Cores    int
	RAM      float64

	// Notify receives the DoneMessage.
	Notify *actor.Commport

	// Registry handles file-registry-add/delete actions; nil makes those
	// actions fail with FUNCTIONALITY_NOT_AVAILABLE.
	Registry *fileregistry.Service

	// ResolveScratch rewrites a scratch sentinel location onto the parent
	// service's scratch space; nil makes scratch use fail with
	// NO_SCRATCH_SPACE.
	ResolveScratch func(*types.Location) (*types.Location, *failure.Cause)

	Payloads config.Payloads
}

// Spawn starts the executor actor on its host and returns it, so the
// parent can kill it later.
func Spawn(k *actor.Kernel, e Executor) *actor.Actor {
	return k.Spawn(e.Host.Name, "executor-"+e.Action.Name, e.run)
}

func (e Executor) run(ctx *actor.Context) {
	a := e.Action
	logger := log.WithActor("executor-"+a.Name, e.Host.Name)

	if a.ThreadCreationOverhead > 0 {
		if cause := ctx.Sleep(a.ThreadCreationOverhead); cause != nil {
			e.finish(ctx, logger, cause)
			return
		}
	}

	attempt := a.Attempt()
	attempt.StartDate = ctx.Now()
	attempt.ExecutionHost = e.Host.Name
	attempt.NumCores = e.Cores
	attempt.RAM = e.RAM
	a.SetState(types.ActionStarted)

	e.finish(ctx, logger, e.execute(ctx))
}

// finish performs the exactly-once terminal write and acknowledgement.
func (e Executor) finish(ctx *actor.Context, logger zerolog.Logger, cause *failure.Cause) {
	a := e.Action
	attempt := a.Attempt()
	if attempt.State.Terminal() {
		// The owning service already wrote this attempt's terminal
		// disposition (a shutdown or termination); only acknowledge.
		e.Notify.DPut(ctx, DoneMessage{Action: a, Cause: cause})
		return
	}
	attempt.EndDate = ctx.Now()

	switch {
	case cause == nil:
		a.SetState(types.ActionCompleted)
	case cause.Kind == failure.JobKilled:
		attempt.Failure = cause
		a.SetState(types.ActionKilled)
	default:
		attempt.Failure = cause
		a.SetState(types.ActionFailed)
	}

	state := a.State()
	metrics.ActionsTotal.WithLabelValues(string(a.Kind), string(state)).Inc()
	if attempt.StartDate >= 0 {
		metrics.ActionDuration.WithLabelValues(string(a.Kind)).Observe(attempt.EndDate - attempt.StartDate)
	}
	l := log.WithSimTime(logger, ctx.Now())
	l.Debug().
		Str("action", a.Name).Str("state", string(state)).Msg("action finished")

	e.Notify.DPut(ctx, DoneMessage{Action: a, Cause: cause})
}

// execute runs the kind-specific work and returns nil on success.
func (e Executor) execute(ctx *actor.Context) *failure.Cause {
	a := e.Action
	switch a.Kind {
	case types.ActionSleep:
		return ctx.Sleep(a.SleepTime)

	case types.ActionCompute:
		return e.compute(ctx, a.Flops)

	case types.ActionFileRead:
		loc, cause := e.resolve(a.FileLoc)
		if cause != nil {
			return cause
		}
		return storage.ReadFile(ctx, loc, a.NumBytes, e.Payloads)

	case types.ActionFileWrite:
		loc, cause := e.resolve(a.FileLoc)
		if cause != nil {
			return cause
		}
		return storage.WriteFile(ctx, loc, a.NumBytes, e.Payloads)

	case types.ActionFileCopy:
		src, cause := e.resolve(a.SrcLoc)
		if cause != nil {
			return cause
		}
		dst, cause := e.resolve(a.DstLoc)
		if cause != nil {
			return cause
		}
		return storage.CopyFile(ctx, src, dst, e.Payloads)

	case types.ActionFileDelete:
		loc, cause := e.resolve(a.FileLoc)
		if cause != nil {
			return cause
		}
		return storage.DeleteFile(ctx, loc, e.Payloads)

	case types.ActionFileRegistryAdd:
		if e.Registry == nil {
			return failure.New(failure.FunctionalityNotAvailable, "no file registry configured")
		}
		return e.Registry.AddEntry(ctx, a.FileLoc)

	case types.ActionFileRegistryDelete:
		if e.Registry == nil {
			return failure.New(failure.FunctionalityNotAvailable, "no file registry configured")
		}
		return e.Registry.RemoveEntry(ctx, a.FileLoc)

	case types.ActionCustom:
		if a.Custom == nil {
			return failure.New(failure.FatalFailure, "custom action %s has no body", a.Name)
		}
		h := &customHandle{e: e, ctx: ctx}
		cause := a.Custom(h)
		h.cleanup()
		return cause

	default:
		return failure.New(failure.FatalFailure, "action %s has unknown kind %s", a.Name, a.Kind)
	}
}

// compute advances the clock per the action's parallel model and accrues
// host energy at peak power for the duration.
func (e Executor) compute(ctx *actor.Context, flops float64) *failure.Cause {
	model := e.Action.Parallel
	if model == nil {
		model = types.DefaultParallelModel()
	}
	seconds := model.Time(flops, e.Cores, e.Host.FlopRate)
	cause := ctx.Compute(seconds)
	if cause == nil && e.Host.PowerPeakW > 0 {
		e.Host.AddEnergy(e.Host.PowerPeakW * seconds)
	}
	if cause != nil && cause.Kind == failure.JobKilled && e.Host.PowerPeakW > 0 {
		// Partial progress still burned energy up to the kill date.
		e.Host.AddEnergy(e.Host.PowerPeakW * (ctx.Now() - e.Action.StartDate()))
	}
	return cause
}

// resolve rewrites scratch sentinels onto the parent service's scratch
// space.
func (e Executor) resolve(loc *types.Location) (*types.Location, *failure.Cause) {
	if loc == nil {
		return nil, failure.New(failure.FatalFailure, "action %s has no location", e.Action.Name)
	}
	if !loc.Scratch {
		return loc, nil
	}
	if e.ResolveScratch == nil {
		return nil, failure.New(failure.NoScratchSpace,
			"action %s uses scratch but the service has none", e.Action.Name)
	}
	return e.ResolveScratch(loc)
}

// customHandle adapts the executor to the types.CustomExecutor surface a
// custom action's body programs against. Managers and the event port are
// created on first use and torn down when the body returns.
type customHandle struct {
	e   Executor
	ctx *actor.Context

	events *actor.Commport
	jm     *job.Manager
	dm     *job.DataMovementManager
}

func (h *customHandle) Hostname() string         { return h.e.Hostname }
func (h *customHandle) PhysicalHostname() string { return h.e.Host.Name }

func (h *customHandle) Sleep(seconds float64) *failure.Cause { return h.ctx.Sleep(seconds) }

func (h *customHandle) Compute(flops float64) *failure.Cause { return h.e.compute(h.ctx, flops) }

func (h *customHandle) ReadFile(loc *types.Location, numBytes float64) *failure.Cause {
	l, cause := h.e.resolve(loc)
	if cause != nil {
		return cause
	}
	return storage.ReadFile(h.ctx, l, numBytes, h.e.Payloads)
}

func (h *customHandle) WriteFile(loc *types.Location, numBytes float64) *failure.Cause {
	l, cause := h.e.resolve(loc)
	if cause != nil {
		return cause
	}
	return storage.WriteFile(h.ctx, l, numBytes, h.e.Payloads)
}

func (h *customHandle) CopyFile(src, dst *types.Location) *failure.Cause {
	s, cause := h.e.resolve(src)
	if cause != nil {
		return cause
	}
	d, cause := h.e.resolve(dst)
	if cause != nil {
		return cause
	}
	return storage.CopyFile(h.ctx, s, d, h.e.Payloads)
}

// eventPort lazily opens the port this handle's managers publish events on.
func (h *customHandle) eventPort() (*actor.Commport, *failure.Cause) {
	if h.events == nil {
		ep, cause := h.ctx.Kernel().Open(h.ctx.Hostname(), "custom-action-events")
		if cause != nil {
			return nil, cause
		}
		h.events = ep
	}
	return h.events, nil
}

// CreateJobManager returns a job manager whose events arrive through this
// handle's WaitForNextEvent.
func (h *customHandle) CreateJobManager() (types.CustomJobManager, *failure.Cause) {
	ep, cause := h.eventPort()
	if cause != nil {
		return nil, cause
	}
	if h.jm == nil {
		m, cause := job.NewManager(h.ctx, ep, h.e.Payloads)
		if cause != nil {
			return nil, cause
		}
		h.jm = m
	}
	return boundJobManager{m: h.jm, ctx: h.ctx}, nil
}

// CreateDataMovementManager returns a data-movement manager whose
// asynchronous copy events arrive through this handle's WaitForNextEvent.
func (h *customHandle) CreateDataMovementManager() (types.CustomDataMovementManager, *failure.Cause) {
	ep, cause := h.eventPort()
	if cause != nil {
		return nil, cause
	}
	if h.dm == nil {
		h.dm = job.NewDataMovementManager(h.ctx, ep, h.e.Registry, h.e.Payloads)
	}
	return boundDataMovementManager{dm: h.dm, ctx: h.ctx}, nil
}

// WaitForNextEvent blocks the executor's slot until the next manager event
// arrives.
func (h *customHandle) WaitForNextEvent() (any, *failure.Cause) {
	ep, cause := h.eventPort()
	if cause != nil {
		return nil, cause
	}
	return ep.Get(h.ctx)
}

// cleanup stops the handle's manager actor and returns its event-port name
// to the pool once the body has returned.
func (h *customHandle) cleanup() {
	if h.jm != nil {
		h.jm.Stop(h.ctx)
	}
	if h.events != nil {
		h.events.Close()
	}
}

// boundJobManager binds a job manager to the executor's actor context so
// the body can call it without holding one.
type boundJobManager struct {
	m   *job.Manager
	ctx *actor.Context
}

func (b boundJobManager) CreateCompoundJob(name string) *types.CompoundJob {
	return b.m.CreateCompoundJob(name)
}

func (b boundJobManager) SubmitJob(j *types.CompoundJob, service types.ComputeEndpoint, args map[string]string) *failure.Cause {
	cs, ok := service.(compute.Service)
	if !ok {
		return failure.New(failure.InvalidArgument,
			"%s is not a compute service", service.Name())
	}
	return b.m.SubmitJob(b.ctx, j, cs, args)
}

func (b boundJobManager) TerminateJob(j *types.CompoundJob) *failure.Cause {
	return b.m.TerminateJob(b.ctx, j)
}

// boundDataMovementManager binds a data-movement manager to the executor's
// actor context.
type boundDataMovementManager struct {
	dm  *job.DataMovementManager
	ctx *actor.Context
}

func (b boundDataMovementManager) DoSynchronousFileCopy(src, dst *types.Location) *failure.Cause {
	return b.dm.DoSynchronousFileCopy(b.ctx, src, dst)
}

func (b boundDataMovementManager) InitiateAsynchronousFileCopy(src, dst *types.Location) {
	b.dm.InitiateAsynchronousFileCopy(b.ctx, src, dst)
}

func (b boundDataMovementManager) DoSynchronousFileDelete(loc *types.Location) *failure.Cause {
	return b.dm.DoSynchronousFileDelete(b.ctx, loc)
}
