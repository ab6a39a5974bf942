// Package job implements the controller-facing façades: the JobManager
// that creates and submits compound, standard, and pilot jobs and turns
// service notifications into controller events, and the
// DataMovementManager that orchestrates file transfers outside any job.
package job

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Manager is the job manager actor owned by one controller. It listens on
// its own notify port for service notifications and republishes them as
// typed events on the controller's event port.
type Manager struct {
	kernel   *actor.Kernel
	hostname string

	// notifyPort is where compute services deliver Job*Messages for jobs
	// this manager submitted.
	notifyPort *actor.Commport
	// eventPort is the controller's event queue, drained by
	// WaitForNextEvent.
	eventPort *actor.Commport

	payloads config.Payloads

	// jobs tracks every job this manager owns, by compound-job id.
	jobs map[string]*types.CompoundJob
	// services remembers which service each job was submitted to.
	services map[string]compute.Service
	// standard/pilot map compound-job ids back to their projections for
	// event translation.
	standard map[string]*StandardJob
	pilots   map[string]*PilotJob

	up     bool
	logger zerolog.Logger
}

// NewManager creates and starts a job manager for the calling controller.
// eventPort is the port the controller waits for events on.
func NewManager(ctx *actor.Context, eventPort *actor.Commport, payloads config.Payloads) (*Manager, *failure.Cause) {
	if payloads == nil {
		payloads = config.Payloads{}
	}
	notify, cause := ctx.Kernel().Open(ctx.Hostname(), "job-manager-notify")
	if cause != nil {
		return nil, cause
	}
	m := &Manager{
		kernel:     ctx.Kernel(),
		hostname:   ctx.Hostname(),
		notifyPort: notify,
		eventPort:  eventPort,
		payloads:   payloads,
		jobs:       make(map[string]*types.CompoundJob),
		services:   make(map[string]compute.Service),
		standard:   make(map[string]*StandardJob),
		pilots:     make(map[string]*PilotJob),
		logger:     log.WithComponent("job-manager"),
	}
	m.up = true
	ctx.Spawn(ctx.Hostname(), "job-manager", m.run)
	return m, nil
}

type stopManager struct{}

// Stop shuts the manager actor down.
func (m *Manager) Stop(ctx *actor.Context) {
	m.notifyPort.DPut(ctx, stopManager{})
}

func (m *Manager) run(ctx *actor.Context) {
	for {
		msg, cause := m.notifyPort.Get(ctx)
		if cause != nil {
			m.up = false
			return
		}
		switch n := msg.(type) {
		case compute.JobDoneMessage:
			m.publishTerminal(ctx, n.Job, n.Service, nil)
		case compute.JobFailedMessage:
			m.publishTerminal(ctx, n.Job, n.Service, n.Cause)
		case compute.PilotJobStartedMessage:
			if pj, ok := m.pilots[n.Job.ID]; ok {
				pj.Running = n.Service
				m.eventPort.DPut(ctx, PilotJobStartedEvent{Job: pj, Service: n.Service})
			}
		case compute.PilotJobExpiredMessage:
			if pj, ok := m.pilots[n.Job.ID]; ok {
				pj.Running = nil
				m.eventPort.DPut(ctx, PilotJobExpiredEvent{Job: pj})
			}
		case stopManager:
			m.up = false
			return
		default:
			m.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

// publishTerminal translates a service's terminal notification into the
// richest event shape the job was created as.
func (m *Manager) publishTerminal(ctx *actor.Context, j *types.CompoundJob, svc compute.Service, cause *failure.Cause) {
	if sj, ok := m.standard[j.ID]; ok {
		if cause == nil {
			sj.markTasksDone()
			m.eventPort.DPut(ctx, StandardJobCompletedEvent{Job: sj, Service: svc})
		} else {
			m.eventPort.DPut(ctx, StandardJobFailedEvent{Job: sj, Service: svc, Cause: cause})
		}
		return
	}
	if cause == nil {
		m.eventPort.DPut(ctx, CompoundJobCompletedEvent{Job: j, Service: svc})
	} else {
		m.eventPort.DPut(ctx, CompoundJobFailedEvent{Job: j, Service: svc, Cause: cause})
	}
}

// CreateCompoundJob returns a fresh job owned by this manager.
func (m *Manager) CreateCompoundJob(name string) *types.CompoundJob {
	j := types.NewCompoundJob(name)
	j.NotifyPort = m.notifyPort
	m.jobs[j.ID] = j
	return j
}

// SubmitJob submits a job to a compute service with service-specific args.
func (m *Manager) SubmitJob(ctx *actor.Context, j *types.CompoundJob, svc compute.Service, args map[string]string) *failure.Cause {
	if !m.up {
		return failure.New(failure.ServiceDown, "job manager is down")
	}
	if _, owned := m.jobs[j.ID]; !owned {
		return failure.New(failure.InvalidArgument, "job %s was not created by this manager", j.Name)
	}
	j.NotifyPort = m.notifyPort
	if cause := compute.SubmitJob(ctx, svc, j, args, m.payloads); cause != nil {
		return cause
	}
	m.services[j.ID] = svc
	return nil
}

// TerminateJob asks the job's service to kill it.
func (m *Manager) TerminateJob(ctx *actor.Context, j *types.CompoundJob) *failure.Cause {
	svc, ok := m.services[j.ID]
	if !ok {
		return failure.New(failure.JobCannotBeTerminated, "job %s is not submitted", j.Name)
	}
	return compute.TerminateJob(ctx, svc, j, m.payloads)
}

// ForgetJob drops a terminal job from the manager's bookkeeping.
func (m *Manager) ForgetJob(j *types.CompoundJob) *failure.Cause {
	if !j.State.Terminal() {
		return failure.New(failure.JobCannotBeForgotten, "job %s is still %s", j.Name, j.State)
	}
	delete(m.jobs, j.ID)
	delete(m.services, j.ID)
	delete(m.standard, j.ID)
	delete(m.pilots, j.ID)
	return nil
}

// SetTimer arms a one-shot timer that posts a TimerEvent to the
// controller's event queue at the given date.
func (m *Manager) SetTimer(date float64, message any) *actor.Alarm {
	return actor.NewAlarm(m.kernel, date, m.eventPort, TimerEvent{Message: message})
}
