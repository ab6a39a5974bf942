// Package communicator implements the named rendezvous object actions use
// for collective communication: a fixed rank count, join-to-acquire-rank,
// barriers, and the sendAndReceive / Alltoall / Bcast primitives, all built
// on commports so every exchange charges simulated network time.
package communicator

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/failure"
)

// Message is one payload delivered through a communicator.
type Message struct {
	From  int
	Bytes float64
}

type releaseToken struct{}

// Communicator is a rendezvous object of fixed rank count. It is created by
// a controller, referenced by action closures, and destroyed when no
// reference remains (Destroy returns its commport names to the pool).
type Communicator struct {
	Name string

	kernel *actor.Kernel
	size   int

	nextRank int
	data     []*actor.Commport // per-rank payload ports
	ctrl     []*actor.Commport // per-rank barrier/join release ports

	barrierArrived int
}

// New creates a communicator expecting exactly size members.
func New(k *actor.Kernel, name string, size int) (*Communicator, *failure.Cause) {
	if size < 1 {
		return nil, failure.New(failure.InvalidArgument, "communicator %q: size %d", name, size)
	}
	return &Communicator{
		Name:   name,
		kernel: k,
		size:   size,
		data:   make([]*actor.Commport, size),
		ctrl:   make([]*actor.Commport, size),
	}, nil
}

// Size returns the fixed rank count.
func (c *Communicator) Size() int { return c.size }

// Join acquires the next free rank in [0,size) and blocks until every rank
// has joined, so that all peers' ports exist once Join returns.
func (c *Communicator) Join(ctx *actor.Context) (int, *failure.Cause) {
	if c.nextRank >= c.size {
		return -1, failure.New(failure.InvalidArgument,
			"communicator %q: all %d ranks already taken", c.Name, c.size)
	}
	rank := c.nextRank
	c.nextRank++

	var cause *failure.Cause
	if c.data[rank], cause = c.kernel.Open(ctx.Hostname(), c.Name+"-data"); cause != nil {
		return -1, cause
	}
	if c.ctrl[rank], cause = c.kernel.Open(ctx.Hostname(), c.Name+"-ctrl"); cause != nil {
		return -1, cause
	}

	if cause := c.awaitAll(ctx, rank); cause != nil {
		return -1, cause
	}
	return rank, nil
}

// Barrier blocks the calling rank until all ranks have reached it.
func (c *Communicator) Barrier(ctx *actor.Context, rank int) *failure.Cause {
	return c.awaitAll(ctx, rank)
}

// awaitAll is the shared join/barrier rendezvous: the last arrival releases
// every parked rank.
func (c *Communicator) awaitAll(ctx *actor.Context, rank int) *failure.Cause {
	c.barrierArrived++
	if c.barrierArrived == c.size {
		c.barrierArrived = 0
		for r := 0; r < c.size; r++ {
			if r == rank || c.ctrl[r] == nil {
				continue
			}
			c.ctrl[r].DPut(ctx, releaseToken{})
		}
		return nil
	}
	_, cause := c.ctrl[rank].Get(ctx)
	return cause
}

// SendAndReceive sends the given byte counts to the given ranks, then
// blocks until at least minResponses messages have arrived on the caller's
// own port. Returns the received messages.
func (c *Communicator) SendAndReceive(ctx *actor.Context, rank int, sends map[int]float64, minResponses int) ([]Message, *failure.Cause) {
	for dst, bytes := range sends {
		if dst < 0 || dst >= c.size || c.data[dst] == nil {
			return nil, failure.New(failure.InvalidArgument,
				"communicator %q: rank %d never joined", c.Name, dst)
		}
		if cause := c.data[dst].Put(ctx, Message{From: rank, Bytes: bytes}, bytes); cause != nil {
			return nil, cause
		}
	}
	out := make([]Message, 0, minResponses)
	for len(out) < minResponses {
		msg, cause := c.data[rank].Get(ctx)
		if cause != nil {
			return out, cause
		}
		out = append(out, msg.(Message))
	}
	return out, nil
}

// Alltoall sends bytesPerRank to every other rank and waits for the
// matching size-1 incoming messages.
func (c *Communicator) Alltoall(ctx *actor.Context, rank int, bytesPerRank float64) *failure.Cause {
	sends := make(map[int]float64, c.size-1)
	for r := 0; r < c.size; r++ {
		if r != rank {
			sends[r] = bytesPerRank
		}
	}
	_, cause := c.SendAndReceive(ctx, rank, sends, c.size-1)
	return cause
}

// Bcast sends bytes from root to every other rank; non-root ranks block for
// the root's message.
func (c *Communicator) Bcast(ctx *actor.Context, rank, root int, bytes float64) *failure.Cause {
	if rank == root {
		sends := make(map[int]float64, c.size-1)
		for r := 0; r < c.size; r++ {
			if r != root {
				sends[r] = bytes
			}
		}
		_, cause := c.SendAndReceive(ctx, rank, sends, 0)
		return cause
	}
	_, cause := c.data[rank].Get(ctx)
	return cause
}

// Destroy returns every commport name to the kernel's pool. Call once no
// action references the communicator anymore.
func (c *Communicator) Destroy() {
	for _, cp := range c.data {
		if cp != nil {
			cp.Close()
		}
	}
	for _, cp := range c.ctrl {
		if cp != nil {
			cp.Close()
		}
	}
}
