package htcondor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/compute/baremetal"
	"github.com/cuemby/wrenchgo/pkg/compute/batch"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// condorRig wires a negotiator over one bare-metal service and one batch
// service.
func condorRig(t *testing.T) (*actor.Kernel, *Service, *baremetal.Service, *batch.Service) {
	t.Helper()
	plat := platform.New()
	plat.AddHost(&platform.Host{Name: "bm1", Cores: 4, RAMBytes: 16e9, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "bn1", Cores: 8, RAMBytes: 32e9, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "bn2", Cores: 8, RAMBytes: 32e9, FlopRate: 1e9})
	plat.AddHost(&platform.Host{Name: "central", Cores: 1, RAMBytes: 1e9, FlopRate: 1e9})

	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })

	bm, cause := baremetal.New(k, plat, "central", "pool-bm", []string{"bm1"}, 0, nil, nil, nil)
	require.Nil(t, cause)
	bs, cause := batch.New(k, plat, "central", "pool-batch", []string{"bn1", "bn2"}, nil, nil, nil)
	require.Nil(t, cause)

	condor, cause := New(k, "central", "condor", []compute.Service{bm, bs}, nil, nil)
	require.Nil(t, cause)

	bm.Start()
	bs.Start()
	condor.Start()
	return k, condor, bm, bs
}

// TestNonGridJobRoutedToBareMetal checks that a job without service args
// lands on the first bare-metal child with idle resources.
func TestNonGridJobRoutedToBareMetal(t *testing.T) {
	k, condor, _, _ := condorRig(t)

	job := types.NewCompoundJob("vanilla")
	a, _ := job.AddComputeAction("work", 1e9, 0, 1, 1, nil)

	notify, _ := k.Open("central", "notify")
	var done compute.JobDoneMessage
	k.Spawn("central", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, condor, job, nil, config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		done = msg.(compute.JobDoneMessage)
		condor.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, a.State())
	assert.Equal(t, "vanilla", done.Job.Name)
	assert.Equal(t, "bm1", a.Attempt().ExecutionHost)
}

// TestGridJobRoutedToNamedBatch checks -service routing.
func TestGridJobRoutedToNamedBatch(t *testing.T) {
	k, condor, _, _ := condorRig(t)

	job := types.NewCompoundJob("grid")
	a, _ := job.AddSleepAction("nap", 5)

	notify, _ := k.Open("central", "notify")
	k.Spawn("central", "controller", func(ctx *actor.Context) {
		job.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, condor, job, map[string]string{
			"-N": "1", "-c": "8", "-t": "1", "-service": "pool-batch",
		}, config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		_, ok := msg.(compute.JobDoneMessage)
		assert.True(t, ok)
		condor.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, types.ActionCompleted, a.State())
	// The sleep ran on a batch node, not the bare-metal host.
	assert.Contains(t, []string{"bn1", "bn2"}, a.Attempt().ExecutionHost)
}

// TestGridJobUnknownServiceRejected checks INVALID_ARGUMENT for a bad
// -service name.
func TestGridJobUnknownServiceRejected(t *testing.T) {
	k, condor, _, _ := condorRig(t)

	job := types.NewCompoundJob("lost")
	job.AddSleepAction("nap", 1)

	var cause *failure.Cause
	k.Spawn("central", "controller", func(ctx *actor.Context) {
		cause = compute.SubmitJob(ctx, condor, job, map[string]string{
			"-N": "1", "-c": "1", "-t": "1", "-service": "nowhere",
		}, config.Payloads{})
		condor.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, cause)
	assert.Equal(t, failure.InvalidArgument, cause.Kind)
}

// TestGridJobMissingArgsRejected checks that grid jobs must carry the full
// -N/-c/-t set.
func TestGridJobMissingArgsRejected(t *testing.T) {
	k, condor, _, _ := condorRig(t)

	job := types.NewCompoundJob("incomplete")
	job.AddSleepAction("nap", 1)

	var cause *failure.Cause
	k.Spawn("central", "controller", func(ctx *actor.Context) {
		cause = compute.SubmitJob(ctx, condor, job, map[string]string{
			"-service": "pool-batch",
		}, config.Payloads{})
		condor.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, cause)
	assert.Equal(t, failure.InvalidArgument, cause.Kind)
}

// TestPendingJobsWaitForResources checks that an unmatched non-grid job
// stays pending and is dispatched on a later cycle once resources free up.
func TestPendingJobsWaitForResources(t *testing.T) {
	k, condor, _, _ := condorRig(t)

	hog := types.NewCompoundJob("hog")
	hog.AddComputeAction("fill", 4e9, 0, 4, 4, nil) // fills bm1 for 1 s
	waiter := types.NewCompoundJob("waiter")
	w, _ := waiter.AddComputeAction("later", 1e9, 0, 4, 4, nil)

	notify, _ := k.Open("central", "notify")
	var doneNames []string
	k.Spawn("central", "controller", func(ctx *actor.Context) {
		hog.NotifyPort = notify
		waiter.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, condor, hog, nil, config.Payloads{}))
		require.Nil(t, compute.SubmitJob(ctx, condor, waiter, nil, config.Payloads{}))
		for i := 0; i < 2; i++ {
			msg, c := notify.Get(ctx)
			require.Nil(t, c)
			doneNames = append(doneNames, msg.(compute.JobDoneMessage).Job.Name)
		}
		condor.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, []string{"hog", "waiter"}, doneNames)
	assert.Equal(t, types.ActionCompleted, w.State())
}
