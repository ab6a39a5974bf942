// Package htcondor implements the meta-scheduler: an HTCondor-style
// negotiator that routes compound jobs to backing compute services.
// Grid-universe jobs (carrying -N, -c, -t and -service) go to the named
// batch service; non-grid jobs go to the first bare-metal service that
// currently has the idle resources.
package htcondor

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/compute/baremetal"
	"github.com/cuemby/wrenchgo/pkg/compute/batch"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// pendingJob is one queued submission awaiting negotiation.
type pendingJob struct {
	job  *types.CompoundJob
	args map[string]string
	// origNotify is the port the job's manager listens on; the negotiator
	// interposes its own mailbox to observe completions.
	origNotify *actor.Commport
}

type negotiateMessage struct{}

// Service is the HTCondor-style meta-scheduler.
type Service struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel

	children []compute.Service

	pending []*pendingJob
	// scheduled maps job id -> original notify port while the job runs on
	// a child service.
	scheduled map[string]*actor.Commport

	startupOverhead float64
	gridDelay       float64
	nonGridDelay    float64
	startedOnce     bool

	payloads config.Payloads

	up     bool
	logger zerolog.Logger
}

// New creates a negotiator over the given backing services.
func New(kernel *actor.Kernel, hostname, name string, children []compute.Service,
	props config.Properties, payloads config.Payloads) (*Service, *failure.Cause) {

	if name == "" {
		name = "htcondor-" + hostname
	}
	if props == nil {
		props = config.Properties{}
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	if len(children) == 0 {
		return nil, failure.New(failure.InvalidArgument, "service %s: no backing services", name)
	}
	mb, cause := kernel.Open(hostname, name)
	if cause != nil {
		return nil, cause
	}
	return &Service{
		name:            name,
		hostname:        hostname,
		mailbox:         mb,
		kernel:          kernel,
		children:        children,
		scheduled:       make(map[string]*actor.Commport),
		startupOverhead: props.GetFloat(config.NegotiatorOverhead, 0),
		gridDelay:       props.GetFloat(config.GridPreExecutionDelay, 0),
		nonGridDelay:    props.GetFloat(config.NonGridPreExecutionDelay, 0),
		payloads:        payloads,
		logger:          log.WithServiceID(name),
	}, nil
}

// Name implements compute.Service.
func (s *Service) Name() string { return s.name }

// Hostname implements compute.Service.
func (s *Service) Hostname() string { return s.hostname }

// Mailbox implements compute.Service.
func (s *Service) Mailbox() *actor.Commport { return s.mailbox }

// IsUp implements compute.Service.
func (s *Service) IsUp() bool { return s.up }

// SupportsCompoundJobs implements compute.Service.
func (s *Service) SupportsCompoundJobs() bool { return true }

// SupportsPilotJobs implements compute.Service.
func (s *Service) SupportsPilotJobs() bool { return false }

// Start spawns the negotiator loop.
func (s *Service) Start() {
	s.up = true
	s.kernel.Spawn(s.hostname, s.name, s.run)
}

func (s *Service) run(ctx *actor.Context) {
	for {
		msg, cause := s.mailbox.Get(ctx)
		if cause != nil {
			s.up = false
			return
		}
		switch m := msg.(type) {
		case compute.SubmitJobRequest:
			s.handleSubmit(ctx, m)
		case negotiateMessage:
			s.negotiate(ctx)
		case compute.JobDoneMessage:
			s.relay(ctx, m.Job, &m, nil)
		case compute.JobFailedMessage:
			s.relay(ctx, m.Job, nil, &m)
		case compute.TerminateJobRequest:
			m.Reply.DPut(ctx, compute.TerminateJobAnswer{Cause: failure.New(failure.JobCannotBeTerminated,
				"service %s: terminate the job at its backing service", s.name)})
		case compute.StopServiceRequest:
			s.up = false
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

// isGrid reports whether args mark a grid-universe job.
func isGrid(args map[string]string) bool {
	_, ok := args["-service"]
	return ok
}

// validateGrid checks the full grid argument set and resolves the named
// batch service.
func (s *Service) validateGrid(args map[string]string) (*batch.Service, *failure.Cause) {
	for _, key := range []string{"-N", "-c", "-t"} {
		if _, ok := args[key]; !ok {
			return nil, failure.New(failure.InvalidArgument,
				"service %s: grid-universe jobs must carry -N, -c, -t and -service", s.name)
		}
	}
	target := args["-service"]
	for _, child := range s.children {
		if child.Name() == target {
			bs, ok := child.(*batch.Service)
			if !ok {
				return nil, failure.New(failure.InvalidArgument,
					"service %s: -service %q is not a batch service", s.name, target)
			}
			return bs, nil
		}
	}
	return nil, failure.New(failure.InvalidArgument,
		"service %s: no backing service named %q", s.name, target)
}

func (s *Service) handleSubmit(ctx *actor.Context, m compute.SubmitJobRequest) {
	if isGrid(m.Args) {
		if _, cause := s.validateGrid(m.Args); cause != nil {
			m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: cause})
			return
		}
	}
	s.pending = append(s.pending, &pendingJob{
		job:        m.Job,
		args:       m.Args,
		origNotify: m.Job.NotifyPort,
	})
	m.Reply.DPut(ctx, compute.SubmitJobAnswer{})

	delay := 0.0
	if !s.startedOnce {
		s.startedOnce = true
		delay = s.startupOverhead
	}
	actor.NewAlarm(s.kernel, ctx.Now()+delay, s.mailbox, negotiateMessage{})
}

// negotiate runs one negotiation cycle: pending jobs in descending
// priority, each matched to a target and dispatched; unmatched jobs stay
// pending for the next cycle.
func (s *Service) negotiate(ctx *actor.Context) {
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].job.Priority > s.pending[j].job.Priority
	})

	var still []*pendingJob
	for _, p := range s.pending {
		var target compute.Service
		var delay float64
		if isGrid(p.args) {
			bs, cause := s.validateGrid(p.args)
			if cause != nil {
				s.failJob(ctx, p, cause)
				continue
			}
			target = bs
			delay = s.gridDelay
		} else {
			target = s.matchBareMetal(p.job)
			delay = s.nonGridDelay
		}
		if target == nil {
			still = append(still, p)
			continue
		}
		if delay > 0 {
			if cause := ctx.Sleep(delay); cause != nil {
				return
			}
		}
		s.dispatch(ctx, p, target)
	}
	s.pending = still
}

// matchBareMetal finds a bare-metal child that currently has one host with
// the job's minimum idle cores and RAM; first match wins.
func (s *Service) matchBareMetal(job *types.CompoundJob) compute.Service {
	minCores := job.MinimumRequiredCores()
	minRAM := job.MinimumRequiredRAM()
	for _, child := range s.children {
		bm, ok := child.(*baremetal.Service)
		if !ok || !bm.IsUp() {
			continue
		}
		if bm.CanRunNow(minCores, minRAM) {
			return bm
		}
	}
	return nil
}

// dispatch forwards the job to its target, pointing its notifications at
// the negotiator so the running map stays accurate.
func (s *Service) dispatch(ctx *actor.Context, p *pendingJob, target compute.Service) {
	p.job.NotifyPort = s.mailbox
	s.scheduled[p.job.ID] = p.origNotify

	args := p.args
	if !isGrid(p.args) {
		args = nil
	}
	reply := ctx.Self().Private
	req := compute.SubmitJobRequest{Job: p.job, Args: args, Reply: reply}
	if c := target.Mailbox().Put(ctx, req, s.payloads.BytesFor(config.SubmitJobRequestPayload)); c != nil {
		delete(s.scheduled, p.job.ID)
		s.failJob(ctx, p, c)
		return
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		delete(s.scheduled, p.job.ID)
		s.failJob(ctx, p, c)
		return
	}
	if ans := msg.(compute.SubmitJobAnswer); ans.Cause != nil {
		delete(s.scheduled, p.job.ID)
		s.failJob(ctx, p, ans.Cause)
		return
	}
	p.job.State = types.JobPending
}

// failJob reports an unroutable job to its manager.
func (s *Service) failJob(ctx *actor.Context, p *pendingJob, cause *failure.Cause) {
	p.job.State = types.JobDiscontinued
	if p.origNotify != nil {
		p.origNotify.DPut(ctx, compute.JobFailedMessage{Job: p.job, Service: s, Cause: cause})
	}
}

// relay forwards a child service's terminal notification to the job's
// manager and triggers the next negotiation cycle.
func (s *Service) relay(ctx *actor.Context, job *types.CompoundJob, done *compute.JobDoneMessage, failed *compute.JobFailedMessage) {
	orig, ok := s.scheduled[job.ID]
	if !ok {
		return
	}
	delete(s.scheduled, job.ID)
	job.NotifyPort = orig
	if orig != nil {
		if done != nil {
			fwd := *done
			orig.DPut(ctx, fwd)
		} else if failed != nil {
			fwd := *failed
			orig.DPut(ctx, fwd)
		}
	}
	if len(s.pending) > 0 {
		actor.NewAlarm(s.kernel, ctx.Now(), s.mailbox, negotiateMessage{})
	}
}
