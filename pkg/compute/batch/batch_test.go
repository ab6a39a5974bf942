package batch

import (
	"fmt"
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

// clusterRig builds a 4-node x 10-core platform and a batch service with
// the given properties.
func clusterRig(t *testing.T, props config.Properties) (*actor.Kernel, *Service) {
	t.Helper()
	plat := platform.New()
	for i := 1; i <= 4; i++ {
		plat.AddHost(&platform.Host{Name: fmt.Sprintf("node%d", i), Cores: 10, RAMBytes: 32e9, FlopRate: 1e9})
	}
	plat.AddHost(&platform.Host{Name: "frontend", Cores: 1, RAMBytes: 1e9, FlopRate: 1e9})

	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	svc, cause := New(k, plat, "frontend", "batch",
		[]string{"node1", "node2", "node3", "node4"}, nil, props, nil)
	require.Nil(t, cause)
	svc.Start()
	return k, svc
}

// sleepJob builds a compound job with one sleep action of the given
// duration.
func sleepJob(name string, seconds float64) *types.CompoundJob {
	j := types.NewCompoundJob(name)
	j.AddSleepAction("", seconds)
	return j
}

// batchArgs declares (N nodes, c cores, t seconds) as service-specific
// arguments (-t is in minutes).
func batchArgs(n, c int, tSeconds float64) map[string]string {
	return map[string]string{
		"-N": fmt.Sprintf("%d", n),
		"-c": fmt.Sprintf("%d", c),
		"-t": fmt.Sprintf("%g", tSeconds/60),
	}
}

// TestEasyBackfillingScenario is the four-job EASY-BF scenario on 4 nodes:
// j1(N=2,t=60), j2(N=4,t=30), j3(N=2,t=30), j4(N=2,t=50) submitted in
// order at t=0 complete at 60, 90, 30 and 140 respectively.
func TestEasyBackfillingScenario(t *testing.T) {
	k, svc := clusterRig(t, config.Properties{
		string(config.BatchSchedulingAlgorithm): string(EasyBF),
	})

	type spec struct {
		name string
		n    int
		tSec float64
	}
	specs := []spec{
		{"j1", 2, 60},
		{"j2", 4, 30},
		{"j3", 2, 30},
		{"j4", 2, 50},
	}
	jobs := make(map[string]*types.CompoundJob)
	completions := make(map[string]float64)

	notify, _ := k.Open("frontend", "notify")
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		for _, sp := range specs {
			j := sleepJob(sp.name, sp.tSec)
			j.NotifyPort = notify
			jobs[sp.name] = j
			require.Nil(t, compute.SubmitJob(ctx, svc, j, batchArgs(sp.n, 10, sp.tSec), config.Payloads{}))
		}
		for i := 0; i < len(specs); i++ {
			msg, c := notify.Get(ctx)
			require.Nil(t, c)
			done := msg.(compute.JobDoneMessage)
			completions[done.Job.Name] = ctx.Now()
		}
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.InDelta(t, 60.0, completions["j1"], 1e-6)
	assert.InDelta(t, 90.0, completions["j2"], 1e-6)
	assert.InDelta(t, 30.0, completions["j3"], 1e-6)
	assert.InDelta(t, 140.0, completions["j4"], 1e-6)
}

// TestFCFSNoBackfill checks that under plain FCFS a later job never jumps a
// blocked head.
func TestFCFSNoBackfill(t *testing.T) {
	k, svc := clusterRig(t, nil)

	j1 := sleepJob("j1", 60)
	j2 := sleepJob("j2", 30) // N=4: blocked behind j1
	j3 := sleepJob("j3", 30) // would fit now, but FCFS holds it

	completions := make(map[string]float64)
	notify, _ := k.Open("frontend", "notify")
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		for _, sub := range []struct {
			j *types.CompoundJob
			n int
		}{{j1, 2}, {j2, 4}, {j3, 2}} {
			sub.j.NotifyPort = notify
			require.Nil(t, compute.SubmitJob(ctx, svc, sub.j, batchArgs(sub.n, 10, 60), config.Payloads{}))
		}
		for i := 0; i < 3; i++ {
			msg, c := notify.Get(ctx)
			require.Nil(t, c)
			completions[msg.(compute.JobDoneMessage).Job.Name] = ctx.Now()
		}
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	// j3 runs only after j2, which runs only after j1.
	assert.Greater(t, completions["j3"], completions["j2"])
	assert.Greater(t, completions["j2"], completions["j1"])
}

// TestConservativeBackfillScenario checks that conservative BF backfills
// around the blocked head and that completing early never delays a
// reservation.
func TestConservativeBackfillScenario(t *testing.T) {
	k, svc := clusterRig(t, config.Properties{
		string(config.BatchSchedulingAlgorithm): string(ConservativeBF),
	})

	j1 := sleepJob("j1", 60)
	j2 := sleepJob("j2", 30) // N=4, reserved at t=60
	j3 := sleepJob("j3", 30) // N=2, backfills at t=0

	completions := make(map[string]float64)
	notify, _ := k.Open("frontend", "notify")
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		for _, sub := range []struct {
			j    *types.CompoundJob
			n    int
			tSec float64
		}{{j1, 2, 60}, {j2, 4, 30}, {j3, 2, 30}} {
			sub.j.NotifyPort = notify
			require.Nil(t, compute.SubmitJob(ctx, svc, sub.j, batchArgs(sub.n, 10, sub.tSec), config.Payloads{}))
		}
		for i := 0; i < 3; i++ {
			msg, c := notify.Get(ctx)
			require.Nil(t, c)
			completions[msg.(compute.JobDoneMessage).Job.Name] = ctx.Now()
		}
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.InDelta(t, 60.0, completions["j1"], 1e-6)
	assert.InDelta(t, 30.0, completions["j3"], 1e-6)
	assert.InDelta(t, 90.0, completions["j2"], 1e-6)
}

// TestWalltimeEnforcement checks that a job exceeding its declared walltime
// is terminated with JOB_TIMEOUT and its actions are killed.
func TestWalltimeEnforcement(t *testing.T) {
	k, svc := clusterRig(t, nil)

	j := types.NewCompoundJob("overrun")
	a, _ := j.AddSleepAction("long", 3600) // sleeps an hour, walltime 1 min

	var failMsg compute.JobFailedMessage
	notify, _ := k.Open("frontend", "notify")
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		j.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, j, batchArgs(1, 10, 60), config.Payloads{}))
		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		failMsg = msg.(compute.JobFailedMessage)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	assert.Equal(t, failure.JobTimeout, failMsg.Cause.Kind)
	assert.Equal(t, types.ActionKilled, a.State())
	assert.InDelta(t, 60.0, k.Now(), 1e-6)
}

// TestKillQueuedJob checks that a user kill before start cancels the queue
// entry.
func TestKillQueuedJob(t *testing.T) {
	k, svc := clusterRig(t, nil)

	blocker := sleepJob("blocker", 100)
	queued := sleepJob("queued", 10)

	notify, _ := k.Open("frontend", "notify")
	var sawKill bool
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		blocker.NotifyPort = notify
		queued.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, blocker, batchArgs(4, 10, 100), config.Payloads{}))
		require.Nil(t, compute.SubmitJob(ctx, svc, queued, batchArgs(4, 10, 10), config.Payloads{}))
		require.Nil(t, compute.TerminateJob(ctx, svc, queued, config.Payloads{}))

		msg, c := notify.Get(ctx)
		require.Nil(t, c)
		if failMsg, ok := msg.(compute.JobFailedMessage); ok {
			sawKill = failMsg.Job.Name == "queued" && failMsg.Cause.Kind == failure.JobKilled
		}
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	assert.True(t, sawKill)
	assert.Equal(t, types.JobDiscontinued, queued.State)
}

// TestStartTimeEstimates checks exact FCFS+first-fit predictions and the -1
// answer under other configurations.
func TestStartTimeEstimates(t *testing.T) {
	k, svc := clusterRig(t, nil)

	running := sleepJob("running", 120)
	notify, _ := k.Open("frontend", "notify")
	var estimates map[string]float64
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		running.NotifyPort = notify
		require.Nil(t, compute.SubmitJob(ctx, svc, running, batchArgs(4, 10, 120), config.Payloads{}))

		reply := ctx.Self().Private
		svc.Mailbox().DPut(ctx, EstimateRequest{
			Specs: []EstimateSpec{
				{ID: "now", N: 4, C: 10, TMins: 1},
				{ID: "huge", N: 9, C: 10, TMins: 1},
			},
			Reply: reply,
		})
		msg, c := reply.Get(ctx)
		require.Nil(t, c)
		estimates = msg.(EstimateAnswer).Estimates

		notify.Get(ctx)
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()

	// The running job holds all nodes for its 120 s walltime.
	assert.InDelta(t, 120.0, estimates["now"], 1e-6)
	assert.Equal(t, -1.0, estimates["huge"])
}

func TestEstimatesUnsupportedCombination(t *testing.T) {
	k, svc := clusterRig(t, config.Properties{
		string(config.HostSelectionAlgorithm): "best_fit",
	})

	var estimates map[string]float64
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		reply := ctx.Self().Private
		svc.Mailbox().DPut(ctx, EstimateRequest{
			Specs: []EstimateSpec{{ID: "x", N: 1, C: 1, TMins: 1}},
			Reply: reply,
		})
		msg, c := reply.Get(ctx)
		require.Nil(t, c)
		estimates = msg.(EstimateAnswer).Estimates
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	assert.Equal(t, -1.0, estimates["x"])
}

func TestSubmissionWithoutArgsRejected(t *testing.T) {
	k, svc := clusterRig(t, nil)
	j := sleepJob("bare", 1)
	var cause *failure.Cause
	k.Spawn("frontend", "controller", func(ctx *actor.Context) {
		cause = compute.SubmitJob(ctx, svc, j, nil, config.Payloads{})
		svc.Mailbox().DPut(ctx, compute.StopServiceRequest{})
	})
	k.Run()
	require.NotNil(t, cause)
	assert.Equal(t, failure.InvalidArgument, cause.Kind)
}
