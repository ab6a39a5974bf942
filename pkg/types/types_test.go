package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/failure"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":           "/",
		"/":          "/",
		"foo/bar":    "/foo/bar",
		"/foo//bar/": "/foo/bar",
		"//a///b":    "/a/b",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalPath(in), "input %q", in)
	}
}

func TestLocationEqualIgnoresPathSpelling(t *testing.T) {
	f := NewFile("f1", 100)
	a := &Location{MountPoint: "/disk", Path: "/foo//bar/", File: f}
	b := &Location{MountPoint: "/disk", Path: "/foo/bar", File: f}
	assert.True(t, a.Equal(b))
}

func TestActionDependencyRefusesCycle(t *testing.T) {
	j := NewCompoundJob("cyclic")
	a, cause := j.AddSleepAction("a", 1)
	require.Nil(t, cause)
	b, cause := j.AddSleepAction("b", 1)
	require.Nil(t, cause)
	c, cause := j.AddSleepAction("c", 1)
	require.Nil(t, cause)

	require.Nil(t, j.AddActionDependency(a, b))
	require.Nil(t, j.AddActionDependency(b, c))

	cause = j.AddActionDependency(c, a)
	require.NotNil(t, cause)
	assert.Equal(t, failure.InvalidArgument, cause.Kind)

	cause = j.AddActionDependency(a, a)
	require.NotNil(t, cause)
}

func TestDuplicateActionNameRejected(t *testing.T) {
	j := NewCompoundJob("dup")
	_, cause := j.AddSleepAction("x", 1)
	require.Nil(t, cause)
	_, cause = j.AddComputeAction("x", 100, 0, 1, 1, nil)
	require.NotNil(t, cause)
}

// TestStateActionMapPartitions checks that the per-state sets stay an exact
// partition of the action set across transitions.
func TestStateActionMapPartitions(t *testing.T) {
	j := NewCompoundJob("partition")
	a, _ := j.AddSleepAction("a", 1)
	b, _ := j.AddSleepAction("b", 1)
	require.Nil(t, j.AddActionDependency(a, b))

	checkPartition := func() {
		total := 0
		for _, s := range AllActionStates {
			total += len(j.ActionsInState(s))
		}
		assert.Equal(t, len(j.Actions()), total)
	}

	checkPartition()
	assert.Len(t, j.ActionsInState(ActionNotReady), 2)

	j.MarkReadyActions()
	checkPartition()
	assert.Len(t, j.ActionsInState(ActionReady), 1) // only a, b waits on it

	require.Nil(t, a.SetState(ActionStarted))
	require.Nil(t, a.SetState(ActionCompleted))
	j.MarkReadyActions()
	checkPartition()
	assert.Equal(t, ActionReady, b.State())
}

func TestTerminalStateWrittenOnce(t *testing.T) {
	j := NewCompoundJob("once")
	a, _ := j.AddSleepAction("a", 1)
	a.SetState(ActionReady)
	a.SetState(ActionStarted)
	require.Nil(t, a.SetState(ActionCompleted))
	cause := a.SetState(ActionFailed)
	require.NotNil(t, cause)
	assert.Equal(t, failure.FatalFailure, cause.Kind)
}

func TestRestartPushesHistoryFrame(t *testing.T) {
	j := NewCompoundJob("restart")
	a, _ := j.AddSleepAction("a", 1)
	a.SetState(ActionReady)
	a.SetState(ActionStarted)
	a.SetState(ActionFailed)

	a.Restart()
	assert.Len(t, a.History(), 2)
	assert.Equal(t, ActionReady, a.State())
	assert.Equal(t, ActionFailed, a.History()[0].State)
}

func TestSubmittableWaitsOnParentJobs(t *testing.T) {
	parent := NewCompoundJob("parent")
	child := NewCompoundJob("child")
	child.AddParentJob(parent)

	assert.False(t, child.Submittable())
	parent.State = JobCompleted
	assert.True(t, child.Submittable())
}

func TestParallelModels(t *testing.T) {
	// Perfect scaling divides the time by the core count: 10 cores, a tenth.
	ce := ConstantEfficiency{Eff: 1}
	assert.InDelta(t, 10.0, ce.Time(100, 10, 1), 1e-9)

	// Amdahl with alpha=0.5: half the work is sequential.
	am := Amdahl{Alpha: 0.5}
	assert.InDelta(t, (50+50.0/4)/1.0, am.Time(100, 4, 1), 1e-9)

	// One core degenerates to work/flopRate under both models.
	assert.InDelta(t, 100.0, am.Time(100, 1, 1), 1e-9)
	assert.InDelta(t, 100.0, ce.Time(100, 1, 1), 1e-9)
}

func TestMinimumRequirements(t *testing.T) {
	j := NewCompoundJob("reqs")
	j.AddComputeAction("small", 10, 1e9, 1, 2, nil)
	j.AddComputeAction("big", 10, 4e9, 3, 8, nil)
	assert.Equal(t, 3, j.MinimumRequiredCores())
	assert.Equal(t, 4e9, j.MinimumRequiredRAM())
}
