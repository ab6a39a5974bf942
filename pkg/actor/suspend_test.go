package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuspendFreezesSleep checks that a suspended actor's in-flight sleep
// makes no progress: 5 s of sleep with a 10 s suspension in the middle
// finishes at t=15.
func TestSuspendFreezesSleep(t *testing.T) {
	k := NewKernel(0)
	var wokeAt float64
	sleeper := k.Spawn("h", "sleeper", func(ctx *Context) {
		require.Nil(t, ctx.Sleep(5))
		wokeAt = ctx.Now()
	})
	k.Spawn("h", "operator", func(ctx *Context) {
		ctx.Sleep(1)
		k.Suspend(sleeper.ID)
		ctx.Sleep(10)
		k.Resume(sleeper.ID)
	})
	k.Run()
	assert.InDelta(t, 15.0, wokeAt, 1e-9)
}

// TestSuspendAfterWakeDelivers checks that suspending an actor whose sleep
// already elapsed only delays dispatch, without re-running the sleep.
func TestSuspendAfterWakeDelivers(t *testing.T) {
	k := NewKernel(0)
	var wokeAt float64
	sleeper := k.Spawn("h", "sleeper", func(ctx *Context) {
		require.Nil(t, ctx.Sleep(1))
		wokeAt = ctx.Now()
	})
	k.Spawn("h", "operator", func(ctx *Context) {
		ctx.Sleep(2) // sleeper's wake already fired at t=1
		k.Suspend(sleeper.ID)
		ctx.Sleep(3)
		k.Resume(sleeper.ID)
	})
	k.Run()
	// The sleeper woke at t=1, before the suspension could take hold.
	assert.InDelta(t, 1.0, wokeAt, 1e-9)
}

// TestSuspendParksMessageDelivery checks that a message arriving for a
// suspended actor is only processed after resume.
func TestSuspendParksMessageDelivery(t *testing.T) {
	k := NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	cp, _ := k.Open("h", "inbox")

	var processedAt float64
	receiver := k.Spawn("h", "receiver", func(ctx *Context) {
		_, cause := cp.Get(ctx)
		require.Nil(t, cause)
		processedAt = ctx.Now()
	})
	k.Spawn("h", "operator", func(ctx *Context) {
		k.Suspend(receiver.ID)
		ctx.Sleep(1)
		cp.DPut(ctx, "hello") // arrives while suspended
		ctx.Sleep(4)
		k.Resume(receiver.ID)
	})
	k.Run()
	assert.InDelta(t, 5.0, processedAt, 1e-9)
}
