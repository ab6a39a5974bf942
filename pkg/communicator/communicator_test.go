package communicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/actor"
)

// TestJoinRendezvous checks that Join blocks every member until the last
// rank arrives, and that ranks are dense in [0,N).
func TestJoinRendezvous(t *testing.T) {
	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	c, cause := New(k, "comm", 3)
	require.Nil(t, cause)

	ranks := make(chan int, 3)
	for i := 0; i < 3; i++ {
		k.Spawn("h", "member", func(ctx *actor.Context) {
			r, cause := c.Join(ctx)
			require.Nil(t, cause)
			ranks <- r
		})
	}
	k.Run()
	close(ranks)
	seen := map[int]bool{}
	for r := range ranks {
		seen[r] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
}

// TestSendAndReceivePair mirrors the two-action exchange scenario: each
// member sends 1000 bytes to its peer and waits for one response.
func TestSendAndReceivePair(t *testing.T) {
	k := actor.NewKernel(0)
	const bw = 1e6
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return size / bw })
	c, _ := New(k, "pair", 2)

	var done int
	for i := 0; i < 2; i++ {
		k.Spawn("h", "member", func(ctx *actor.Context) {
			rank, cause := c.Join(ctx)
			require.Nil(t, cause)
			peer := 1 - rank
			msgs, cause := c.SendAndReceive(ctx, rank, map[int]float64{peer: 1000}, 1)
			require.Nil(t, cause)
			require.Len(t, msgs, 1)
			assert.Equal(t, peer, msgs[0].From)
			done++
		})
	}
	k.Run()
	assert.Equal(t, 2, done)
	// Each direction is one 1000-byte transfer; the two overlap in
	// simulated time, so the whole exchange costs one transfer time.
	assert.InDelta(t, 1000/bw, k.Now(), 1e-9)
}

func TestBarrierReleasesAll(t *testing.T) {
	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	c, _ := New(k, "bar", 2)

	var after int
	for i := 0; i < 2; i++ {
		delay := float64(i) * 7
		k.Spawn("h", "member", func(ctx *actor.Context) {
			rank, _ := c.Join(ctx)
			ctx.Sleep(delay)
			require.Nil(t, c.Barrier(ctx, rank))
			assert.GreaterOrEqual(t, ctx.Now(), 7.0)
			after++
		})
	}
	k.Run()
	assert.Equal(t, 2, after)
}

func TestBcast(t *testing.T) {
	k := actor.NewKernel(0)
	k.SetNetworkModel(func(src, dst string, size float64) float64 { return 0 })
	c, _ := New(k, "bcast", 3)

	var received int
	for i := 0; i < 3; i++ {
		k.Spawn("h", "member", func(ctx *actor.Context) {
			rank, _ := c.Join(ctx)
			require.Nil(t, c.Bcast(ctx, rank, 0, 512))
			if rank != 0 {
				received++
			}
		})
	}
	k.Run()
	assert.Equal(t, 2, received)
}
