package simulation

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/job"
)

// ControllerContext is the handle a user controller drives the simulation
// with: the actor context of the controller's own cooperative slot, plus
// the manager factories and the event queue.
type ControllerContext struct {
	*actor.Context

	sim *Simulation

	// EventPort is where managers publish events; WaitForNextEvent drains
	// it.
	EventPort *actor.Commport
}

func newControllerContext(ctx *actor.Context, sim *Simulation) (*ControllerContext, *failure.Cause) {
	events, cause := ctx.Kernel().Open(ctx.Hostname(), "controller-events")
	if cause != nil {
		return nil, cause
	}
	return &ControllerContext{Context: ctx, sim: sim, EventPort: events}, nil
}

// Simulation returns the owning simulation façade.
func (c *ControllerContext) Simulation() *Simulation { return c.sim }

// CreateJobManager creates a job manager whose events land on this
// controller's event queue.
func (c *ControllerContext) CreateJobManager(payloads config.Payloads) (*job.Manager, *failure.Cause) {
	return job.NewManager(c.Context, c.EventPort, payloads)
}

// CreateDataMovementManager creates a data-movement manager bound to this
// controller's event queue and the simulation's file registry.
func (c *ControllerContext) CreateDataMovementManager(payloads config.Payloads) *job.DataMovementManager {
	return job.NewDataMovementManager(c.Context, c.EventPort, c.sim.FileRegistry(), payloads)
}

// WaitForNextEvent blocks until the next event arrives on the event queue.
func (c *ControllerContext) WaitForNextEvent() (any, *failure.Cause) {
	return c.EventPort.Get(c.Context)
}

// WaitForNextEventTimeout blocks up to timeout seconds; the failure carries
// NETWORK_TIMEOUT when nothing arrived.
func (c *ControllerContext) WaitForNextEventTimeout(timeout float64) (any, *failure.Cause) {
	return c.EventPort.GetTimeout(c.Context, timeout)
}

// GetCurrentSimulatedDate returns the simulated clock.
func (c *ControllerContext) GetCurrentSimulatedDate() float64 { return c.Now() }
