package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// cloudRig builds the two-host pool from the VM scenario: 4 cores/10 RAM
// and 2 cores/20 RAM.
func cloudRig(t *testing.T) (*actor.Kernel, *Service) {
	t.Helper()
	plat := platform.New()
	plat.AddHost(&platform.Host{Name: "phys1", Cores: 4, RAMBytes: 10, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "phys2", Cores: 2, RAMBytes: 20, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "gateway", Cores: 1, RAMBytes: 1, FlopRate: 1e9})

	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	svc, cause := New(k, plat, "gateway", "cloud", []string{"phys1", "phys2"}, nil, nil, nil)
	require.Nil(t, cause)
	svc.Start()
	return k, svc
}

// TestSecondStartVMFails is the first-fit placement scenario: VM(2,1) then
// VM(3,1); the second start finds no host with 3 idle cores.
func TestSecondStartVMFails(t *testing.T) {
	k, svc := cloudRig(t)

	var secondCause *failure.Cause
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		vm1, cause := svc.CreateVM(ctx, 2, 1, "")
		require.Nil(t, cause)
		vm2, cause := svc.CreateVM(ctx, 3, 1, "")
		require.Nil(t, cause)

		_, cause = svc.StartVM(ctx, vm1)
		require.Nil(t, cause)
		_, secondCause = svc.StartVM(ctx, vm2)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	require.NotNil(t, secondCause)
	assert.Equal(t, failure.NotEnoughComputeResources, secondCause.Kind)
}

// TestCreateImpossibleVMFails checks that createVM rejects shapes no host
// could ever fit.
func TestCreateImpossibleVMFails(t *testing.T) {
	k, svc := cloudRig(t)

	var cause *failure.Cause
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		_, cause = svc.CreateVM(ctx, 8, 1, "")
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, cause)
	assert.Equal(t, failure.NotEnoughComputeResources, cause.Kind)
}

// TestJobRunsInsideVM submits a compound job to the inner bare-metal handle
// returned by StartVM.
func TestJobRunsInsideVM(t *testing.T) {
	k, svc := cloudRig(t)

	job := types.NewCompoundJob("in-vm")
	a, _ := job.AddComputeAction("work", 2e9, 0, 1, 2, nil)

	notify, _ := k.Open("gateway", "notify")
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		vmName, cause := svc.CreateVM(ctx, 2, 1, "")
		require.Nil(t, cause)
		inner, cause := svc.StartVM(ctx, vmName)
		require.Nil(t, cause)

		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, inner, job, nil, config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		_, ok := msg.(compute.JobDoneMessage)
		assert.True(t, ok)

		require.Nil(t, svc.ShutdownVM(ctx, vmName, false, nil))
		require.Nil(t, svc.DestroyVM(ctx, vmName))
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, a.State())
	// 2e9 flops on 2 cores at 1e9 f/s.
	assert.InDelta(t, 1.0, a.EndDate()-a.StartDate(), 1e-6)
}

// TestSuspendFreezesProgress checks that a suspended VM's wall-clock
// advances while its in-flight work makes no progress.
func TestSuspendFreezesProgress(t *testing.T) {
	k, svc := cloudRig(t)

	job := types.NewCompoundJob("suspended")
	a, _ := job.AddComputeAction("work", 10e9, 0, 2, 2, nil) // 5 s on 2 cores

	notify, _ := k.Open("gateway", "notify")
	var doneAt float64
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		vmName, cause := svc.CreateVM(ctx, 2, 1, "")
		require.Nil(t, cause)
		inner, cause := svc.StartVM(ctx, vmName)
		require.Nil(t, cause)

		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, inner, job, nil, config.Payloads{}))

		ctx.Sleep(1)
		require.Nil(t, svc.SuspendVM(ctx, vmName))
		ctx.Sleep(10)
		require.Nil(t, svc.ResumeVM(ctx, vmName))

		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		_, ok := msg.(compute.JobDoneMessage)
		assert.True(t, ok)
		doneAt = ctx.Now()
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, a.State())
	// 5 s of work, with 10 s suspended in the middle: done at ~15.
	assert.InDelta(t, 15.0, doneAt, 0.01)
}

// TestShutdownWithNotificationsFailsJobs checks the failure-notification
// disposition of shutdownVM.
func TestShutdownWithNotificationsFailsJobs(t *testing.T) {
	k, svc := cloudRig(t)

	job := types.NewCompoundJob("doomed")
	job.AddSleepAction("forever", 1e6)

	notify, _ := k.Open("gateway", "notify")
	var failMsg compute.JobFailedMessage
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		vmName, _ := svc.CreateVM(ctx, 2, 1, "")
		inner, cause := svc.StartVM(ctx, vmName)
		require.Nil(t, cause)

		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, inner, job, nil, config.Payloads{}))
		ctx.Sleep(1)

		shutdownCause := failure.New(failure.ServiceDown, "operator shutdown")
		require.Nil(t, svc.ShutdownVM(ctx, vmName, true, shutdownCause))

		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		failMsg = msg.(compute.JobFailedMessage)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, "doomed", failMsg.Job.Name)
	assert.Equal(t, failure.ServiceDown, failMsg.Cause.Kind)
}

// TestDestroyRequiresShutdown checks the destroy precondition.
func TestDestroyRequiresShutdown(t *testing.T) {
	k, svc := cloudRig(t)

	var cause *failure.Cause
	k.Spawn("gateway", "controller", func(ctx *actor.Context) {
		vmName, _ := svc.CreateVM(ctx, 2, 1, "")
		_, startCause := svc.StartVM(ctx, vmName)
		require.Nil(t, startCause)
		cause = svc.DestroyVM(ctx, vmName)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, cause)
	assert.Equal(t, failure.InvalidArgument, cause.Kind)
}
