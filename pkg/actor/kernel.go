// Package actor implements the simulator's cooperative, single-threaded
// actor runtime: one logical thread of control, discrete-event clock
// advancement, and the typed commport message-passing primitive described
// in spec §5. Every long-lived entity in the rest of the module (services,
// managers, executors, controllers) is an Actor running on top of a single
// Kernel.
//
// Actors are ordinary goroutines, but the Kernel only ever lets one of them
// run unsuspended code at a time: Spawn queues the new actor instead of
// starting it immediately, and every suspension point (Sleep, Compute,
// Commport.Put/Get, an Alarm firing) hands control back to the Kernel's
// dispatcher before another actor is allowed to proceed. The clock only
// moves forward when the dispatcher finds no runnable actor left, at which
// point it jumps straight to the next pending event — exactly the "advance
// only when all actors are blocked" rule in §5.
package actor

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/log"
)

// ActorID uniquely identifies an actor for the lifetime of a Kernel.
type ActorID uint64

// wakeFunc runs when a timed event fires; it returns the actors that become
// runnable as a result (usually one, sometimes zero if the event was
// cancelled).
type wakeFunc func() []*Actor

type timedEvent struct {
	time      float64
	seq       uint64
	cancelled bool
	fired     bool
	fn        wakeFunc
}

type eventHeap []*timedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*timedEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Kernel is the discrete-event scheduler driving every Actor. Exactly one
// Kernel exists per simulation (see pkg/simulation).
type Kernel struct {
	mu sync.Mutex

	now      float64
	heap     eventHeap
	eventSeq uint64
	actorSeq uint64

	live     map[ActorID]*Actor
	runQueue []*Actor
	// parked holds actors that became runnable while suspended; Resume
	// moves them back to the run queue.
	parked []*Actor

	// yielded receives the actor that just gave up its turn, either by
	// suspending or by returning from its body.
	yielded chan *Actor

	commportPoolSize int
	commportPoolUsed int

	networkModel NetworkModel

	logger zerolog.Logger
}

// NewKernel creates a Kernel with the given commport name pool size (0
// means unlimited, matching --wrench-commport-pool-size's default).
func NewKernel(commportPoolSize int) *Kernel {
	return &Kernel{
		live:             make(map[ActorID]*Actor),
		yielded:          make(chan *Actor),
		commportPoolSize: commportPoolSize,
		logger:           log.WithComponent("kernel"),
	}
}

// Now returns the current simulated date, in seconds.
func (k *Kernel) Now() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

// LiveActorCount implements metrics.KernelStats.
func (k *Kernel) LiveActorCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.live)
}

// BlockedActorCount implements metrics.KernelStats.
func (k *Kernel) BlockedActorCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.live) - len(k.runQueue)
}

// PendingEventCount implements metrics.KernelStats.
func (k *Kernel) PendingEventCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.heap)
}

// nextActorID must be called with k.mu held.
func (k *Kernel) nextActorID() ActorID {
	k.actorSeq++
	return ActorID(k.actorSeq)
}

// scheduleAt registers fn to run when the clock reaches t; must be called
// with k.mu held. Returns the event handle so callers (Alarm) can cancel it.
func (k *Kernel) scheduleAt(t float64, fn wakeFunc) *timedEvent {
	k.eventSeq++
	ev := &timedEvent{time: t, seq: k.eventSeq, fn: fn}
	heap.Push(&k.heap, ev)
	return ev
}

// enqueueRunnable must be called with k.mu held.
func (k *Kernel) enqueueRunnable(actors ...*Actor) {
	k.runQueue = append(k.runQueue, actors...)
}

// Run drives the dispatcher until no actor is live and no event is
// pending. It is the kernel-internal half of the simulation façade's
// Launch(); see pkg/simulation.
func (k *Kernel) Run() {
	for {
		k.mu.Lock()
		if len(k.runQueue) == 0 {
			// Cancelled entries are discarded without moving the clock.
			for len(k.heap) > 0 && k.heap[0].cancelled {
				heap.Pop(&k.heap)
			}
			if len(k.heap) == 0 {
				k.mu.Unlock()
				return
			}
			earliest := k.heap[0].time
			var fire []*timedEvent
			for len(k.heap) > 0 && k.heap[0].time == earliest {
				ev := heap.Pop(&k.heap).(*timedEvent)
				if ev.cancelled {
					continue
				}
				ev.fired = true
				fire = append(fire, ev)
			}
			k.now = earliest
			// Event callbacks may touch commports, which take k.mu
			// themselves; fire them unlocked.
			k.mu.Unlock()
			var woken []*Actor
			for _, ev := range fire {
				woken = append(woken, ev.fn()...)
			}
			sort.Slice(woken, func(i, j int) bool { return woken[i].ID < woken[j].ID })
			k.mu.Lock()
			k.runQueue = append(k.runQueue, woken...)
			k.mu.Unlock()
			continue
		}
		next := k.runQueue[0]
		k.runQueue = k.runQueue[1:]
		if next.suspended {
			alreadyParked := false
			for _, p := range k.parked {
				if p == next {
					alreadyParked = true
					break
				}
			}
			if !alreadyParked {
				k.parked = append(k.parked, next)
			}
			k.mu.Unlock()
			continue
		}
		k.mu.Unlock()

		next.resumeCh <- struct{}{}
		<-k.yielded
	}
}

// Spawn creates and queues a new actor bound to hostname. The actor body
// fn does not begin executing until the dispatcher gives it its first
// turn, so Spawn never itself blocks the caller.
func (k *Kernel) Spawn(hostname, name string, fn func(ctx *Context)) *Actor {
	k.mu.Lock()
	id := k.nextActorID()
	a := &Actor{
		ID:       id,
		Name:     name,
		Hostname: hostname,
		kernel:   k,
		resumeCh: make(chan struct{}),
	}
	a.Private = newCommport(k, "private-"+name, hostname)
	k.live[id] = a
	k.enqueueRunnable(a)
	k.mu.Unlock()

	go func() {
		<-a.resumeCh
		ctx := &Context{actor: a, kernel: k}
		fn(ctx)
		k.finishActor(a)
	}()

	return a
}

func (k *Kernel) finishActor(a *Actor) {
	k.mu.Lock()
	delete(k.live, a.ID)
	a.done = true
	k.mu.Unlock()
	k.yielded <- a
}

// Kill marks an actor for termination. The actor observes this the next
// time it reaches a suspension point (or immediately, if it is currently
// blocked waiting on one) and is expected to unwind, releasing whatever it
// holds and acknowledging on its private commport.
func (k *Kernel) Kill(id ActorID) {
	k.mu.Lock()
	a, ok := k.live[id]
	if ok {
		a.killed = true
	}
	woken := ok && a.wakeOnKill != nil
	var fn func()
	if woken {
		fn = a.wakeOnKill
		a.wakeOnKill = nil
	}
	k.mu.Unlock()
	if woken {
		fn()
	}
}

// AcquireCommportName draws one name from the finite pool described in §6;
// returns false if the pool is exhausted (a hard error per spec).
func (k *Kernel) AcquireCommportName() (ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.commportPoolSize == 0 {
		return true
	}
	if k.commportPoolUsed >= k.commportPoolSize {
		return false
	}
	k.commportPoolUsed++
	return true
}

// ReleaseCommportName returns a name to the pool.
func (k *Kernel) ReleaseCommportName() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.commportPoolSize == 0 {
		return
	}
	if k.commportPoolUsed > 0 {
		k.commportPoolUsed--
	}
}
