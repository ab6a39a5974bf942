package actor

import "github.com/cuemby/wrenchgo/pkg/failure"

// NetworkModel computes the simulated transfer delay, in seconds, for
// sending sizeBytes from srcHost to dstHost. The simulation façade wires
// this to pkg/platform's bandwidth/latency tables; pkg/actor stays ignorant
// of platform so the two packages never import each other.
type NetworkModel func(srcHost, dstHost string, sizeBytes float64) float64

// defaultNetworkModel assumes a flat 1.25e8 B/s (1 Gbps) link with no
// latency, used only when a Kernel has not been given a real one.
func defaultNetworkModel(src, dst string, sizeBytes float64) float64 {
	if src == dst {
		return 0
	}
	return sizeBytes / 1.25e8
}

// SetNetworkModel installs the delay function used by every Commport.Put on
// this kernel. Call once during simulation setup.
func (k *Kernel) SetNetworkModel(m NetworkModel) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.networkModel = m
}

func (k *Kernel) networkDelay(src, dst string, sizeBytes float64) float64 {
	k.mu.Lock()
	m := k.networkModel
	k.mu.Unlock()
	if m == nil {
		m = defaultNetworkModel
	}
	return m(src, dst, sizeBytes)
}

type waiter struct {
	actor   *Actor
	timeout *timedEvent // non-nil if this Get had a deadline
}

// Commport is a typed, single-producer-multi-consumer mailbox. Actors open
// one for every RPC-style interaction point (control-message endpoints on
// compute/storage services, reply ports, etc). Names are drawn from the
// kernel's finite pool (§6); exhausting the pool is a FATAL_FAILURE.
type Commport struct {
	Name     string
	Hostname string

	kernel  *Kernel
	mu      chan struct{} // binary semaphore; avoids taking kernel.mu for mailbox state
	queue   []any
	waiters []*waiter

	lastArrival map[ActorID]float64 // per-sender in-order delivery bookkeeping for DPut
}

func newCommport(k *Kernel, name, hostname string) *Commport {
	cp := &Commport{
		Name:        name,
		Hostname:    hostname,
		kernel:      k,
		mu:          make(chan struct{}, 1),
		lastArrival: make(map[ActorID]float64),
	}
	cp.mu <- struct{}{}
	return cp
}

// Open allocates a new named Commport, drawing from the kernel's finite
// name pool. Returns FATAL_FAILURE if the pool is exhausted.
func (k *Kernel) Open(hostname, name string) (*Commport, *failure.Cause) {
	if !k.AcquireCommportName() {
		return nil, failure.New(failure.FatalFailure, "commport pool exhausted requesting %q", name)
	}
	return newCommport(k, name, hostname), nil
}

// Close releases the commport's name back to the pool. Any actors still
// waiting on it receive a SERVICE_DOWN delivery.
func (cp *Commport) Close() {
	<-cp.mu
	waiting := cp.waiters
	cp.waiters = nil
	cp.mu <- struct{}{}
	for _, w := range waiting {
		w.actor.kernel.mu.Lock()
		cp.kernel.scheduleAt(cp.kernel.now, func() []*Actor { return []*Actor{w.actor} })
		cp.kernel.mu.Unlock()
	}
	cp.kernel.ReleaseCommportName()
}

// Put is a blocking send: it suspends the caller for the simulated network
// transfer time, then delivers msg, returning only once delivery has
// happened (matching the spec's put() semantics).
func (cp *Commport) Put(ctx *Context, msg any, sizeBytes float64) *failure.Cause {
	delay := cp.kernel.networkDelay(ctx.Hostname(), cp.Hostname, sizeBytes)
	if cause := ctx.Sleep(delay); cause != nil {
		return cause
	}
	cp.deliver(msg)
	return nil
}

// DPut is a fire-and-forget send: the caller is not suspended. Delivery is
// scheduled for the simulated arrival time, and per-sender ordering is
// preserved even when successive DPuts would otherwise race.
func (cp *Commport) DPut(ctx *Context, msg any) {
	delay := cp.kernel.networkDelay(ctx.Hostname(), cp.Hostname, 0)
	k := cp.kernel
	sender := ctx.Self().ID

	k.mu.Lock()
	arrival := k.now + delay
	<-cp.mu
	if last, ok := cp.lastArrival[sender]; ok && last >= arrival {
		arrival = last + 1e-12
	}
	cp.lastArrival[sender] = arrival
	cp.mu <- struct{}{}
	k.scheduleAt(arrival, func() []*Actor {
		cp.deliver(msg)
		return nil
	})
	k.mu.Unlock()
}

// deliver hands msg either straight to a parked waiter or, if nobody is
// waiting, onto the pending queue for a future Get to pick up.
func (cp *Commport) deliver(msg any) {
	<-cp.mu
	if len(cp.waiters) > 0 {
		w := cp.waiters[0]
		cp.waiters = cp.waiters[1:]
		cp.mu <- struct{}{}
		if w.timeout != nil {
			w.timeout.cancelled = true
		}
		w.actor.deliveredMsg = msg
		cp.kernel.mu.Lock()
		w.actor.wakeOnKill = nil
		cp.kernel.enqueueRunnable(w.actor)
		cp.kernel.mu.Unlock()
		return
	}
	cp.queue = append(cp.queue, msg)
	cp.mu <- struct{}{}
}

// Get is a blocking receive with no deadline.
func (cp *Commport) Get(ctx *Context) (any, *failure.Cause) {
	return cp.GetTimeout(ctx, -1)
}

// GetTimeout is a blocking receive that fails with NETWORK_TIMEOUT if no
// message arrives within timeoutSeconds. A negative timeout waits forever.
func (cp *Commport) GetTimeout(ctx *Context, timeoutSeconds float64) (any, *failure.Cause) {
	a := ctx.Self()
	k := cp.kernel

	<-cp.mu
	if len(cp.queue) > 0 {
		msg := cp.queue[0]
		cp.queue = cp.queue[1:]
		cp.mu <- struct{}{}
		return msg, nil
	}
	cp.mu <- struct{}{}

	if a.Killed() {
		return nil, failure.New(failure.JobKilled, "actor %s was killed", a.Name)
	}

	w := &waiter{actor: a}
	k.mu.Lock()
	if timeoutSeconds >= 0 {
		deadline := k.now + timeoutSeconds
		w.timeout = k.scheduleAt(deadline, func() []*Actor {
			<-cp.mu
			for i, ww := range cp.waiters {
				if ww == w {
					cp.waiters = append(cp.waiters[:i], cp.waiters[i+1:]...)
					break
				}
			}
			cp.mu <- struct{}{}
			a.deliveredMsg = nil
			a.deliveryTimedOut = true
			return []*Actor{a}
		})
	}
	a.wakeOnKill = func() {
		<-cp.mu
		for i, ww := range cp.waiters {
			if ww == w {
				cp.waiters = append(cp.waiters[:i], cp.waiters[i+1:]...)
				break
			}
		}
		cp.mu <- struct{}{}
		k.mu.Lock()
		if w.timeout != nil {
			w.timeout.cancelled = true
		}
		k.enqueueRunnable(a)
		k.mu.Unlock()
	}
	k.mu.Unlock()

	<-cp.mu
	cp.waiters = append(cp.waiters, w)
	cp.mu <- struct{}{}

	k.yielded <- a
	<-a.resumeCh

	a.wakeOnKill = nil

	if a.Killed() {
		return nil, failure.New(failure.JobKilled, "actor %s was killed", a.Name)
	}
	if a.deliveryTimedOut {
		a.deliveryTimedOut = false
		return nil, failure.New(failure.NetworkTimeout, "get on %s timed out after %gs", cp.Name, timeoutSeconds)
	}
	msg := a.deliveredMsg
	a.deliveredMsg = nil
	return msg, nil
}

// Reset drops every pending message and wakes every waiter, whose Get then
// fails with NETWORK_TIMEOUT as if its deadline had passed. It is the
// reset() primitive used when a service restarts its endpoint.
func (cp *Commport) Reset() {
	<-cp.mu
	cp.queue = nil
	waiting := cp.waiters
	cp.waiters = nil
	cp.mu <- struct{}{}
	k := cp.kernel
	k.mu.Lock()
	for _, w := range waiting {
		w.actor.deliveredMsg = nil
		w.actor.deliveryTimedOut = true
		k.enqueueRunnable(w.actor)
	}
	k.mu.Unlock()
}
