package simulation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/compute/baremetal"
	"github.com/cuemby/wrenchgo/pkg/job"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

func TestInitParsesWrenchFlags(t *testing.T) {
	sim := New()
	rest, err := sim.Init([]string{
		"--wrench-commport-pool-size=64",
		"--wrench-full-log",
		"--wrench-pagecache-simulation",
		"--cfg=network/model:CM02",
	})
	require.NoError(t, err)
	assert.Equal(t, 64, sim.CommportPoolSize)
	assert.True(t, sim.FullLog)
	assert.True(t, sim.PagecacheSimulation)
	// Unknown flags are forwarded to the external kernel.
	assert.Equal(t, []string{"--cfg=network/model:CM02"}, rest)
}

func TestLaunchPreconditions(t *testing.T) {
	sim := New()
	err := sim.Launch()
	require.Error(t, err)

	_, err = sim.Init(nil)
	require.NoError(t, err)
	err = sim.Launch()
	require.Error(t, err) // platform still missing
}

// TestEndToEndWorkflowRun is the integration path a user main follows:
// init, build a platform, add storage and compute, stage a file, run a
// controller that submits a job reading the file and computing on it.
func TestEndToEndWorkflowRun(t *testing.T) {
	sim := New()
	_, err := sim.Init(nil)
	require.NoError(t, err)

	require.NoError(t, sim.InstantiatePlatform(func(p *platform.Platform) {
		p.AddHost(&platform.Host{Name: "compute1", Cores: 4, RAMBytes: 16e9, FlopRate: 1e9,
			PowerIdleW: 100, PowerPeakW: 200})
		p.AddHost(&platform.Host{Name: "storage1", Cores: 1, RAMBytes: 4e9, FlopRate: 1e9,
			Disks: []*platform.Disk{{MountPoint: "/disk", Capacity: 1e9, ReadBps: 1e8, WriteBps: 1e8}}})
		link := &platform.Link{Name: "backbone", BandwidthBps: 1.25e9, LatencyS: 1e-4}
		p.AddLink(link)
		p.SetRoute("compute1", "storage1", []*platform.Link{link})
		p.SetRoute("storage1", "compute1", []*platform.Link{link})
	}))

	_, err = sim.AddFileRegistry("storage1", nil)
	require.NoError(t, err)

	store, cause := storage.New(sim.Kernel(), sim.Platform(), "storage1", "store",
		[]storage.MountSpec{{MountPoint: "/disk"}}, nil, nil)
	require.Nil(t, cause)
	sim.Add(store)

	bm, cause := baremetal.New(sim.Kernel(), sim.Platform(), "compute1", "bm",
		[]string{"compute1"}, 0, sim.FileRegistry(), nil, nil)
	require.Nil(t, cause)
	sim.Add(bm)

	input, err := sim.AddFile("input", 1e6)
	require.NoError(t, err)
	require.NoError(t, sim.StageFile(input, store.Location("/disk", "/data", input)))

	var completed bool
	var finishedAt float64
	sim.AddController("compute1", "controller", func(ctx *ControllerContext) error {
		m, cause := ctx.CreateJobManager(nil)
		if cause != nil {
			return cause
		}
		j := m.CreateCompoundJob("read-and-compute")
		read, cause := j.AddFileReadAction("read", store.Location("/disk", "/data", input), input.Size)
		if cause != nil {
			return cause
		}
		crunch, cause := j.AddComputeAction("crunch", 4e9, 0, 1, 4, nil)
		if cause != nil {
			return cause
		}
		if cause := j.AddActionDependency(read, crunch); cause != nil {
			return cause
		}
		if cause := m.SubmitJob(ctx.Context, j, bm, nil); cause != nil {
			return cause
		}
		ev, cause := ctx.WaitForNextEvent()
		if cause != nil {
			return cause
		}
		_, completed = ev.(job.CompoundJobCompletedEvent)
		finishedAt = ctx.GetCurrentSimulatedDate()
		m.Stop(ctx.Context)
		store.Stop(ctx.Context)
		bm.Mailbox().DPut(ctx.Context, compute.StopServiceRequest{})
		sim.FileRegistry().Stop(ctx.Context)
		return nil
	})

	require.NoError(t, sim.Launch())

	assert.True(t, completed)
	// Read: 1 MB off a 100 MB/s disk (~0.01 s) plus the wire; compute:
	// 4e9 flops on 4 cores at 1e9 f/s = 1 s.
	assert.InDelta(t, 1.01, finishedAt, 0.05)
	// The compute action accrued energy at peak power.
	energy, err := sim.GetEnergyConsumed("compute1")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, energy, 1.0)
	assert.Equal(t, energy, sim.GetTotalEnergyConsumed())
}

func TestHostAccessors(t *testing.T) {
	sim := New()
	_, err := sim.Init(nil)
	require.NoError(t, err)
	require.NoError(t, sim.InstantiatePlatform(func(p *platform.Platform) {
		p.AddHost(&platform.Host{Name: "h", Cores: 12, RAMBytes: 64e9, FlopRate: 3e9})
	}))

	cores, err := sim.GetHostNumCores("h")
	require.NoError(t, err)
	assert.Equal(t, 12, cores)
	ram, err := sim.GetHostMemoryCapacity("h")
	require.NoError(t, err)
	assert.Equal(t, 64e9, ram)
	rate, err := sim.GetHostFlopRate("h")
	require.NoError(t, err)
	assert.Equal(t, 3e9, rate)

	_, err = sim.GetHostNumCores("ghost")
	assert.Error(t, err)
}

func TestDumpPlatformJSON(t *testing.T) {
	sim := New()
	_, err := sim.Init(nil)
	require.NoError(t, err)
	require.NoError(t, sim.InstantiatePlatform(func(p *platform.Platform) {
		p.AddHost(&platform.Host{Name: "h", Cores: 2, RAMBytes: 8e9, FlopRate: 1e9,
			Disks: []*platform.Disk{{MountPoint: "/scratch", Capacity: 5e10}}})
	}))

	var buf bytes.Buffer
	require.NoError(t, sim.DumpPlatformJSON(&buf))
	assert.Contains(t, buf.String(), `"name": "h"`)
	assert.Contains(t, buf.String(), `"/scratch"`)
}

func TestAddFileRejectsDuplicates(t *testing.T) {
	sim := New()
	_, err := sim.Init(nil)
	require.NoError(t, err)
	_, err = sim.AddFile("f", 10)
	require.NoError(t, err)
	_, err = sim.AddFile("f", 10)
	assert.Error(t, err)
	f, ok := sim.File("f")
	require.True(t, ok)
	assert.Equal(t, types.File{ID: "f", Size: 10}, *f)
}
