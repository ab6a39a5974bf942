package actor

import "github.com/cuemby/wrenchgo/pkg/failure"

// Context is the handle an actor body uses to reach the kernel. It is the
// only thing passed into a Spawn'd function.
type Context struct {
	actor  *Actor
	kernel *Kernel
}

// Self returns the calling actor's identity.
func (c *Context) Self() *Actor { return c.actor }

// Hostname returns the host this actor runs on.
func (c *Context) Hostname() string { return c.actor.Hostname }

// Now returns the current simulated date.
func (c *Context) Now() float64 { return c.kernel.Now() }

// Kernel exposes the underlying kernel for components (compute services,
// storage services) that need to Spawn sub-actors or open commports on
// behalf of the calling actor.
func (c *Context) Kernel() *Kernel { return c.kernel }

// Spawn starts a child actor. The parent is not blocked by this call; the
// child is merely queued to run its first turn at the current date.
func (c *Context) Spawn(hostname, name string, fn func(ctx *Context)) *Actor {
	return c.kernel.Spawn(hostname, name, fn)
}

// Kill asks another actor to terminate.
func (c *Context) Kill(id ActorID) { c.kernel.Kill(id) }

// Sleep suspends the calling actor for the given simulated duration. It is
// one of the five suspension points named in §5. Returns a JOB_KILLED cause
// if the actor was killed while sleeping.
func (c *Context) Sleep(seconds float64) *failure.Cause {
	if seconds <= 0 {
		return c.checkKilled()
	}
	a := c.actor
	k := c.kernel

	k.mu.Lock()
	if a.killed {
		k.mu.Unlock()
		return failure.New(failure.JobKilled, "actor killed before sleep")
	}
	wakeAt := k.now + seconds
	ev := k.scheduleAt(wakeAt, func() []*Actor { return []*Actor{a} })
	a.pendingEvent = ev
	a.wakeOnKill = func() {
		k.mu.Lock()
		ev.cancelled = true
		k.enqueueRunnable(a)
		k.mu.Unlock()
	}
	k.mu.Unlock()

	k.yielded <- a
	<-a.resumeCh
	a.wakeOnKill = nil
	a.pendingEvent = nil

	return c.checkKilled()
}

// Compute advances the clock by a pre-computed execution duration; the
// caller divides its flop budget across cores via a parallel-efficiency
// model (see pkg/types.ParallelModel) and handles energy accrual. Kept
// distinct from Sleep because the two are separate suspension points in
// the runtime's contract.
func (c *Context) Compute(seconds float64) *failure.Cause {
	return c.Sleep(seconds)
}

// checkKilled returns a JOB_KILLED cause if the actor has been marked for
// termination, else nil. Suspension points call this on every wakeup.
func (c *Context) checkKilled() *failure.Cause {
	if c.actor.Killed() {
		return failure.New(failure.JobKilled, "actor %s was killed", c.actor.Name)
	}
	return nil
}
