package baremetal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/job"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/types"
)

func twoHostRig(t *testing.T) (*actor.Kernel, *Service) {
	t.Helper()
	plat := platform.New()
	plat.AddHost(&platform.Host{Name: "Host1", Cores: 4, RAMBytes: 16e9, FlopRate: 1})
	plat.AddHost(&platform.Host{Name: "Host2", Cores: 4, RAMBytes: 16e9, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "gateway", Cores: 1, RAMBytes: 1e9, FlopRate: 1e9})

	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	svc, cause := New(k, plat, "gateway", "bm", []string{"Host1", "Host2"}, 0, nil, nil, nil)
	require.Nil(t, cause)
	svc.Start()
	return k, svc
}

// TestTwoTaskBindings is the two-host scenario: t1 (60 flops, 3 cores)
// bound to the slow Host1 and t2 (6e10 flops, 2 cores) bound to the fast
// Host2; both complete, and at t=1 the idle cores are {Host1:1, Host2:2}.
func TestTwoTaskBindings(t *testing.T) {
	k, svc := twoHostRig(t)

	job := types.NewCompoundJob("two-tasks")
	t1, cause := job.AddComputeAction("t1", 60, 0, 1, 3, nil)
	require.Nil(t, cause)
	t2, cause := job.AddComputeAction("t2", 6e10, 0, 1, 2, nil)
	require.Nil(t, cause)

	var idleAtT1 int
	var idleHost1, idleHost2 int
	notify, _ := k.Open("gateway", "notify")
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		cause := compute.SubmitJob(ctx, svc, job, map[string]string{
			"t1": "Host1:3",
			"t2": "Host2:2",
		}, config.Payloads{})
		require.Nil(t, cause)

		ctx.Sleep(1)
		idleHost1 = svc.IdleCores("Host1")
		idleHost2 = svc.IdleCores("Host2")
		idleAtT1 = svc.TotalIdleCores()

		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		_, ok := msg.(compute.JobDoneMessage)
		assert.True(t, ok)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, 1, idleHost1)
	assert.Equal(t, 2, idleHost2)
	assert.Equal(t, 3, idleAtT1)
	assert.Equal(t, types.ActionCompleted, t1.State())
	assert.Equal(t, types.ActionCompleted, t2.State())
	// t1: 60 flops on 3 cores at 1 f/s = 20 s; t2: 6e10 on 2 cores at
	// 1e9 f/s = 30 s. The job ends with the slower action.
	assert.InDelta(t, 20.0, t1.EndDate(), 1e-6)
	assert.InDelta(t, 30.0, t2.EndDate(), 1e-6)
	assert.Equal(t, types.JobCompleted, job.State)
}

// TestImpossibleActionRejectedAtSubmit checks NOT_ENOUGH_COMPUTE_RESOURCES
// when no host could ever satisfy an action.
func TestImpossibleActionRejectedAtSubmit(t *testing.T) {
	k, svc := twoHostRig(t)

	job := types.NewCompoundJob("too-big")
	_, cause := job.AddComputeAction("huge", 100, 0, 8, 8, nil)
	require.Nil(t, cause)

	var submitCause *failure.Cause
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		submitCause = compute.SubmitJob(ctx, svc, job, nil, config.Payloads{})
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, submitCause)
	assert.Equal(t, failure.NotEnoughComputeResources, submitCause.Kind)
}

// TestActionsQueueWhenBusy checks that a transiently unsatisfiable action
// waits at READY and starts once resources free up.
func TestActionsQueueWhenBusy(t *testing.T) {
	k, svc := twoHostRig(t)

	job := types.NewCompoundJob("queueing")
	a, _ := job.AddComputeAction("a", 10e9, 0, 4, 4, nil) // fills Host2 for 2.5 s
	b, _ := job.AddComputeAction("b", 10e9, 0, 4, 4, nil) // must wait for a

	notify, _ := k.Open("gateway", "notify")
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, job, map[string]string{
			"a": "Host2:4",
			"b": "Host2:4",
		}, config.Payloads{}))
		notify.Get(ctx)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, a.State())
	assert.Equal(t, types.ActionCompleted, b.State())
	// b could only start once a released Host2.
	assert.GreaterOrEqual(t, b.StartDate(), a.EndDate())
}

func TestDependenciesGateExecution(t *testing.T) {
	k, svc := twoHostRig(t)

	job := types.NewCompoundJob("dag")
	parent, _ := job.AddSleepAction("parent", 5)
	child, _ := job.AddSleepAction("child", 1)
	require.Nil(t, job.AddActionDependency(parent, child))

	notify, _ := k.Open("gateway", "notify")
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, job, nil, config.Payloads{}))
		notify.Get(ctx)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, child.State())
	assert.GreaterOrEqual(t, child.StartDate(), parent.EndDate())
}

// TestCustomActionSubmitsNestedJob drives the custom-action handle the way
// a communicating controller does: the body creates its own job manager,
// submits a nested job back to the service, and waits for its completion
// event.
func TestCustomActionSubmitsNestedJob(t *testing.T) {
	k, svc := twoHostRig(t)

	outer := types.NewCompoundJob("outer")
	var nested *types.Action
	var sawDone bool
	_, cause := outer.AddCustomAction("orchestrate", 0, 1, 1, func(exec types.CustomExecutor) *failure.Cause {
		m, cause := exec.CreateJobManager()
		if cause != nil {
			return cause
		}
		inner := m.CreateCompoundJob("inner")
		a, cause := inner.AddSleepAction("nap", 2)
		if cause != nil {
			return cause
		}
		nested = a
		if cause := m.SubmitJob(inner, svc, nil); cause != nil {
			return cause
		}
		ev, cause := exec.WaitForNextEvent()
		if cause != nil {
			return cause
		}
		_, sawDone = ev.(job.CompoundJobCompletedEvent)
		return nil
	})
	require.Nil(t, cause)

	notify, _ := k.Open("gateway", "notify")
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		outer.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, outer, nil, config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		_, ok := msg.(compute.JobDoneMessage)
		assert.True(t, ok)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.True(t, sawDone)
	require.NotNil(t, nested)
	assert.Equal(t, types.ActionCompleted, nested.State())
	assert.Equal(t, types.JobCompleted, outer.State)
}

// TestTerminateRunningJob checks that termination kills running actions and
// the job ends discontinued with a JOB_KILLED cause.
func TestTerminateRunningJob(t *testing.T) {
	k, svc := twoHostRig(t)

	job := types.NewCompoundJob("victim")
	a, _ := job.AddSleepAction("long", 1000)

	notify, _ := k.Open("gateway", "notify")
	var failMsg compute.JobFailedMessage
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, job, nil, config.Payloads{}))
		ctx.Sleep(1)
		require.Nil(t, compute.TerminateJob(ctx, svc, job, config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		failMsg = msg.(compute.JobFailedMessage)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionKilled, a.State())
	assert.Equal(t, failure.JobKilled, failMsg.Cause.Kind)
	assert.Less(t, k.Now(), 1000.0)
	// The reservation was released on the kill path.
	assert.Equal(t, 8, svc.TotalIdleCores())
}
