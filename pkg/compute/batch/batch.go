// Package batch implements the queue-based compute service: jobs declare
// (N nodes, c cores per node, t walltime minutes), wait in a FIFO arrival
// queue, and start under FCFS, EASY backfilling, or conservative
// backfilling. Walltime overruns are terminated with JOB_TIMEOUT.
package batch

import (
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/compute/baremetal"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/executor"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/scheduler"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Algorithm selects the scheduling policy at construction.
type Algorithm string

const (
	FCFS           Algorithm = "fcfs"
	EasyBF         Algorithm = "easy_bf"
	ConservativeBF Algorithm = "conservative_bf"
)

// BatchJob ties a compound job to its batch-scheduling metadata.
type BatchJob struct {
	Job *types.CompoundJob

	RequestedNodes int
	CoresPerNode   int
	// WalltimeSeconds is the declared walltime; submissions carry it in
	// minutes via the -t argument.
	WalltimeSeconds float64
	ArrivalDate     float64

	// Allocated names the nodes the job runs on once placed.
	Allocated []string
	StartDate float64

	// Reserved window, maintained under conservative backfilling.
	ReservedStart float64
	ReservedEnd   float64

	// allocUsed tracks cores used on each allocated node by running
	// actions of this job.
	allocUsed map[string]int

	timeoutCause *failure.Cause

	// pilot marks a reservation-only job exposing a transient bare-metal
	// service for its walltime window.
	pilot        bool
	pilotService *baremetal.Service
}

type walltimeExpired struct{ jobID string }

// EstimateSpec is one hypothetical job in a start-time estimate query.
type EstimateSpec struct {
	ID    string
	N     int
	C     int
	TMins float64
}

// EstimateRequest asks for predicted start dates of hypothetical jobs given
// the current queue. Only FCFS with first-fit host selection yields exact
// predictions; every other configuration answers -1.
type EstimateRequest struct {
	Specs []EstimateSpec
	Reply *actor.Commport
}

type EstimateAnswer struct {
	Estimates map[string]float64
}

type runRecord struct {
	host  string
	cores int
	act   *actor.Actor
}

// Service is the batch compute service.
type Service struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel
	plat     *platform.Platform

	hosts        []string
	coresPerNode int
	idleCores    map[string]int

	algorithm     Algorithm
	hostSelection scheduler.HostSelection
	rrCursor      int

	queue   []*BatchJob
	started map[string]*BatchJob // job id -> started batch job

	running map[*types.Action]*runRecord
	alarms  map[string]*actor.Alarm

	registry *fileregistry.Service
	payloads config.Payloads

	supportsPilots bool

	up     bool
	logger zerolog.Logger
}

// New creates a batch service over the given (homogeneous) compute nodes.
// The scheduling algorithm and host-selection sub-algorithm come from the
// BATCH_SCHEDULING_ALGORITHM and HOST_SELECTION_ALGORITHM properties.
func New(kernel *actor.Kernel, plat *platform.Platform, hostname, name string,
	computeHosts []string, registry *fileregistry.Service,
	props config.Properties, payloads config.Payloads) (*Service, *failure.Cause) {

	if name == "" {
		name = "batch-" + hostname
	}
	if props == nil {
		props = config.Properties{}
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	if len(computeHosts) == 0 {
		return nil, failure.New(failure.InvalidArgument, "service %s: no compute hosts", name)
	}
	mb, cause := kernel.Open(hostname, name)
	if cause != nil {
		return nil, cause
	}
	s := &Service{
		name:           name,
		hostname:       hostname,
		mailbox:        mb,
		kernel:         kernel,
		plat:           plat,
		idleCores:      make(map[string]int),
		algorithm:      Algorithm(props.GetString(config.BatchSchedulingAlgorithm, string(FCFS))),
		hostSelection:  scheduler.HostSelection(props.GetString(config.HostSelectionAlgorithm, string(scheduler.FirstFit))),
		started:        make(map[string]*BatchJob),
		running:        make(map[*types.Action]*runRecord),
		alarms:         make(map[string]*actor.Alarm),
		registry:       registry,
		payloads:       payloads,
		supportsPilots: props.GetBool(config.SupportsPilotJobs, true),
		logger:         log.WithServiceID(name),
	}
	for _, h := range computeHosts {
		host, ok := plat.Host(h)
		if !ok {
			return nil, failure.New(failure.InvalidArgument, "service %s: unknown host %s", name, h)
		}
		if s.coresPerNode == 0 {
			s.coresPerNode = host.Cores
		} else if s.coresPerNode != host.Cores {
			return nil, failure.New(failure.InvalidArgument,
				"service %s: batch nodes must be homogeneous (%s has %d cores, expected %d)",
				name, h, host.Cores, s.coresPerNode)
		}
		s.hosts = append(s.hosts, h)
		s.idleCores[h] = host.Cores
	}
	sort.Strings(s.hosts)

	switch s.algorithm {
	case FCFS, EasyBF, ConservativeBF:
	default:
		return nil, failure.New(failure.InvalidArgument,
			"service %s: unknown scheduling algorithm %q", name, s.algorithm)
	}
	return s, nil
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
func (s *Service) SupportsPilotJobs() bool { return s.supportsPilots }

// NumNodes returns the node count.
func (s *Service) NumNodes() int { return len(s.hosts) }

// CoresPerNode returns the homogeneous per-node core count.
func (s *Service) CoresPerNode() int { return s.coresPerNode }

// Start spawns the service main loop.
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
		case compute.TerminateJobRequest:
			s.handleTerminate(ctx, m)
		case executor.DoneMessage:
			s.handleDone(ctx, m)
		case walltimeExpired:
			s.handleWalltime(ctx, m.jobID)
		case EstimateRequest:
			m.Reply.DPut(ctx, EstimateAnswer{Estimates: s.estimate(ctx, m.Specs)})
		case compute.StopServiceRequest:
			s.up = false
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

// parseRequest extracts (-N, -c, -t) from service-specific args.
func (s *Service) parseRequest(args map[string]string) (int, int, float64, *failure.Cause) {
	n, err1 := strconv.Atoi(args["-N"])
	c, err2 := strconv.Atoi(args["-c"])
	tMins, err3 := strconv.ParseFloat(args["-t"], 64)
	if err1 != nil || err2 != nil || err3 != nil || n < 1 || c < 1 || tMins <= 0 {
		return 0, 0, 0, failure.New(failure.InvalidArgument,
			"service %s: batch submissions need -N, -c and -t", s.name)
	}
	return n, c, tMins * 60, nil
}

func (s *Service) handleSubmit(ctx *actor.Context, m compute.SubmitJobRequest) {
	n, c, walltime, cause := s.parseRequest(m.Args)
	if cause != nil {
		m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: cause})
		return
	}
	if n > len(s.hosts) || c > s.coresPerNode {
		m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: failure.New(failure.NotEnoughComputeResources,
			"service %s: request (%d nodes x %d cores) exceeds the %d x %d platform",
			s.name, n, c, len(s.hosts), s.coresPerNode)})
		return
	}
	pilot := m.Args[compute.PilotArg] == "true"
	if pilot && !s.supportsPilots {
		m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: failure.New(failure.JobTypeNotSupported,
			"service %s does not support pilot jobs", s.name)})
		return
	}
	bj := &BatchJob{
		Job:             m.Job,
		pilot:           pilot,
		RequestedNodes:  n,
		CoresPerNode:    c,
		WalltimeSeconds: walltime,
		ArrivalDate:     ctx.Now(),
		StartDate:       -1,
		ReservedStart:   -1,
		ReservedEnd:     -1,
	}
	s.queue = append(s.queue, bj)
	metrics.JobsSubmitted.WithLabelValues(s.name).Inc()
	metrics.BatchQueueLength.WithLabelValues(s.name).Set(float64(len(s.queue)))
	m.Reply.DPut(ctx, compute.SubmitJobAnswer{})

	if s.algorithm == ConservativeBF {
		s.rebuildReservations(ctx.Now())
	}
	s.schedule(ctx)
}

// nodeSnapshot builds the scheduler's view of per-node idle cores.
func (s *Service) nodeSnapshot() []scheduler.Node {
	out := make([]scheduler.Node, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, scheduler.Node{Name: h, IdleCores: s.idleCores[h], TotalCores: s.coresPerNode})
	}
	return out
}

// runningTimeline embeds every started job as a node-granular reservation
// derived from its declared walltime.
func (s *Service) runningTimeline(now float64) *scheduler.Timeline {
	tl := scheduler.NewTimeline(len(s.hosts))
	for id, bj := range s.started {
		end := bj.StartDate + bj.WalltimeSeconds
		if end < now {
			end = now
		}
		tl.Add(scheduler.Reservation{JobID: id, Start: bj.StartDate, End: end, Nodes: bj.RequestedNodes})
	}
	return tl
}

// rebuildReservations recomputes the conservative-BF reservation of every
// waiting job, compacting around the current running set, in arrival order.
func (s *Service) rebuildReservations(now float64) {
	tl := s.runningTimeline(now)
	for _, bj := range s.queue {
		start := tl.EarliestStart(now, bj.WalltimeSeconds, bj.RequestedNodes)
		bj.ReservedStart = start
		bj.ReservedEnd = start + bj.WalltimeSeconds
		tl.Add(scheduler.Reservation{JobID: bj.Job.ID, Start: start, End: bj.ReservedEnd, Nodes: bj.RequestedNodes})
	}
}

// schedule runs one scheduling pass under the configured algorithm.
func (s *Service) schedule(ctx *actor.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulingLatency, s.name)
	switch s.algorithm {
	case FCFS:
		s.scheduleFCFS(ctx)
	case EasyBF:
		s.scheduleFCFS(ctx)
		s.backfillEasy(ctx)
	case ConservativeBF:
		s.scheduleConservative(ctx)
	}
	metrics.BatchQueueLength.WithLabelValues(s.name).Set(float64(len(s.queue)))
}

// scheduleFCFS starts queue heads for as long as they fit.
func (s *Service) scheduleFCFS(ctx *actor.Context) {
	for len(s.queue) > 0 {
		head := s.queue[0]
		hosts, ok := scheduler.SelectHosts(s.hostSelection, s.nodeSnapshot(),
			head.RequestedNodes, head.CoresPerNode, &s.rrCursor)
		if !ok {
			return
		}
		s.queue = s.queue[1:]
		s.startJob(ctx, head, hosts)
	}
}

// backfillEasy implements depth-1 EASY backfilling: holding a reservation
// for the blocked head only, start any later job whose declared completion
// would not delay the head's earliest start.
func (s *Service) backfillEasy(ctx *actor.Context) {
	if len(s.queue) == 0 {
		return
	}
	now := ctx.Now()
	head := s.queue[0]
	headStart := s.runningTimeline(now).EarliestStart(now, head.WalltimeSeconds, head.RequestedNodes)
	if headStart < 0 {
		return
	}
	rest := s.queue[1:]
	var waiting []*BatchJob
	for _, bj := range rest {
		hosts, ok := scheduler.SelectHosts(s.hostSelection, s.nodeSnapshot(),
			bj.RequestedNodes, bj.CoresPerNode, &s.rrCursor)
		if ok && now+bj.WalltimeSeconds <= headStart {
			s.startJob(ctx, bj, hosts)
			continue
		}
		waiting = append(waiting, bj)
	}
	s.queue = append([]*BatchJob{head}, waiting...)
}

// scheduleConservative starts every waiting job whose reserved start date
// has arrived.
func (s *Service) scheduleConservative(ctx *actor.Context) {
	now := ctx.Now()
	var waiting []*BatchJob
	for _, bj := range s.queue {
		if bj.ReservedStart >= 0 && bj.ReservedStart <= now {
			hosts, ok := scheduler.SelectHosts(s.hostSelection, s.nodeSnapshot(),
				bj.RequestedNodes, bj.CoresPerNode, &s.rrCursor)
			if ok {
				s.startJob(ctx, bj, hosts)
				continue
			}
		}
		waiting = append(waiting, bj)
	}
	s.queue = waiting
}

// startJob reserves the chosen nodes, arms the walltime alarm, and
// dispatches the compound job's ready actions across the allocation.
func (s *Service) startJob(ctx *actor.Context, bj *BatchJob, hosts []string) {
	for _, h := range hosts {
		s.idleCores[h] -= bj.CoresPerNode
	}
	bj.Allocated = hosts
	bj.allocUsed = make(map[string]int, len(hosts))
	bj.StartDate = ctx.Now()
	if bj.ReservedStart < 0 {
		bj.ReservedStart = bj.StartDate
		bj.ReservedEnd = bj.StartDate + bj.WalltimeSeconds
	}
	bj.Job.State = types.JobRunning
	s.started[bj.Job.ID] = bj

	// The alarm fires just past the walltime: finishing at exactly the
	// declared walltime is on time, only strictly exceeding it is an
	// overrun.
	s.alarms[bj.Job.ID] = actor.NewAlarm(s.kernel,
		bj.StartDate+bj.WalltimeSeconds+1e-9, s.mailbox, walltimeExpired{jobID: bj.Job.ID})

	if bj.pilot {
		s.startPilot(ctx, bj, hosts)
		return
	}
	bj.Job.MarkReadyActions()
	s.dispatchJob(ctx, bj)
	if bj.Job.AllTerminal() {
		s.finishJob(ctx, bj)
	}
}

// startPilot exposes a transient bare-metal service over the reservation's
// nodes for the walltime window.
func (s *Service) startPilot(ctx *actor.Context, bj *BatchJob, hosts []string) {
	inner, cause := baremetal.New(s.kernel, s.plat, s.hostname, bj.Job.Name+"-pilot",
		hosts, 0, s.registry, nil, s.payloads)
	if cause != nil {
		bj.timeoutCause = cause
		s.finishJob(ctx, bj)
		return
	}
	inner.Start()
	bj.pilotService = inner
	if bj.Job.NotifyPort != nil {
		bj.Job.NotifyPort.DPut(ctx, compute.PilotJobStartedMessage{Job: bj.Job, Service: inner})
	}
}

// expirePilot tears the transient service down at the end of the walltime
// window.
func (s *Service) expirePilot(ctx *actor.Context, bj *BatchJob) {
	if bj.pilotService != nil {
		bj.pilotService.Mailbox().DPut(ctx, baremetal.ShutdownRequest{
			Cause: failure.New(failure.JobTimeout, "pilot job %s expired", bj.Job.Name),
		})
		bj.pilotService = nil
	}
	for _, h := range bj.Allocated {
		s.idleCores[h] += bj.CoresPerNode
	}
	if al, ok := s.alarms[bj.Job.ID]; ok {
		al.Cancel()
		delete(s.alarms, bj.Job.ID)
	}
	delete(s.started, bj.Job.ID)
	bj.Job.State = types.JobCompleted
	bj.Job.EndDate = ctx.Now()
	if bj.Job.NotifyPort != nil {
		bj.Job.NotifyPort.DPut(ctx, compute.PilotJobExpiredMessage{Job: bj.Job})
	}
	if s.algorithm == ConservativeBF {
		s.rebuildReservations(ctx.Now())
	}
	s.schedule(ctx)
}

// dispatchJob starts every ready action that fits inside the job's node
// allocation.
func (s *Service) dispatchJob(ctx *actor.Context, bj *BatchJob) {
	ready := bj.Job.ActionsInState(types.ActionReady)
	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	for _, a := range ready {
		placed := false
		for _, h := range bj.Allocated {
			avail := bj.CoresPerNode - bj.allocUsed[h]
			if avail < a.MinCores {
				continue
			}
			cores := a.MaxCores
			if cores > avail {
				cores = avail
			}
			bj.allocUsed[h] += cores
			host, _ := s.plat.Host(h)
			exec := executor.Executor{
				Action:   a,
				Host:     host,
				Hostname: h,
				Cores:    cores,
				RAM:      a.MinRAM,
				Notify:   s.mailbox,
				Registry: s.registry,
				Payloads: s.payloads,
			}
			s.running[a] = &runRecord{host: h, cores: cores, act: executor.Spawn(s.kernel, exec)}
			placed = true
			break
		}
		if !placed && a.MinCores > bj.CoresPerNode {
			a.Attempt().Failure = failure.New(failure.NotEnoughComputeResources,
				"service %s: action %s needs %d cores but the job requested %d per node",
				s.name, a.Name, a.MinCores, bj.CoresPerNode)
			a.Attempt().EndDate = ctx.Now()
			a.SetState(types.ActionFailed)
		}
	}
}

func (s *Service) handleDone(ctx *actor.Context, m executor.DoneMessage) {
	a := m.Action
	bj, held := s.started[a.Job.ID]
	if rec, ok := s.running[a]; ok {
		if held {
			bj.allocUsed[rec.host] -= rec.cores
		}
		delete(s.running, a)
	}
	if !held {
		return
	}
	if a.State() == types.ActionCompleted {
		a.Job.MarkReadyActions()
		s.dispatchJob(ctx, bj)
	}
	if bj.Job.AllTerminal() {
		s.finishJob(ctx, bj)
	}
}

// finishJob releases the allocation, cancels the walltime alarm, notifies
// the job's manager, and triggers the next scheduling pass.
func (s *Service) finishJob(ctx *actor.Context, bj *BatchJob) {
	for _, h := range bj.Allocated {
		s.idleCores[h] += bj.CoresPerNode
	}
	if al, ok := s.alarms[bj.Job.ID]; ok {
		al.Cancel()
		delete(s.alarms, bj.Job.ID)
	}
	delete(s.started, bj.Job.ID)
	bj.Job.EndDate = ctx.Now()

	failed, cause := bj.Job.HasFailed()
	if bj.timeoutCause != nil {
		failed, cause = true, bj.timeoutCause
	}
	if failed {
		bj.Job.State = types.JobDiscontinued
		metrics.JobsCompleted.WithLabelValues(s.name, "failed").Inc()
		if bj.Job.NotifyPort != nil {
			bj.Job.NotifyPort.DPut(ctx, compute.JobFailedMessage{Job: bj.Job, Service: s, Cause: cause})
		}
	} else {
		bj.Job.State = types.JobCompleted
		metrics.JobsCompleted.WithLabelValues(s.name, "completed").Inc()
		if bj.Job.NotifyPort != nil {
			bj.Job.NotifyPort.DPut(ctx, compute.JobDoneMessage{Job: bj.Job, Service: s})
		}
	}

	if s.algorithm == ConservativeBF {
		s.rebuildReservations(ctx.Now())
	}
	s.schedule(ctx)
}

// handleWalltime terminates a job that exceeded its declared walltime.
func (s *Service) handleWalltime(ctx *actor.Context, jobID string) {
	bj, ok := s.started[jobID]
	if !ok {
		return
	}
	if bj.pilot {
		s.expirePilot(ctx, bj)
		return
	}
	bj.timeoutCause = failure.New(failure.JobTimeout,
		"job %s exceeded its %g-second walltime", bj.Job.Name, bj.WalltimeSeconds)
	s.killJobActions(ctx, bj, bj.timeoutCause)
	if bj.Job.AllTerminal() {
		s.finishJob(ctx, bj)
	}
}

func (s *Service) killJobActions(ctx *actor.Context, bj *BatchJob, cause *failure.Cause) {
	for _, a := range bj.Job.Actions() {
		switch a.State() {
		case types.ActionStarted:
			if rec, ok := s.running[a]; ok {
				s.kernel.Kill(rec.act.ID)
			}
		case types.ActionReady, types.ActionNotReady:
			a.Attempt().Failure = cause
			a.Attempt().EndDate = ctx.Now()
			a.SetState(types.ActionKilled)
		}
	}
}

// handleTerminate cancels a queued entry or kills a running job.
func (s *Service) handleTerminate(ctx *actor.Context, m compute.TerminateJobRequest) {
	for i, bj := range s.queue {
		if bj.Job.ID == m.Job.ID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			cause := failure.New(failure.JobKilled, "job %s cancelled before start", bj.Job.Name)
			for _, a := range bj.Job.Actions() {
				if !a.State().Terminal() {
					a.Attempt().Failure = cause
					a.Attempt().EndDate = ctx.Now()
					a.SetState(types.ActionKilled)
				}
			}
			bj.Job.State = types.JobDiscontinued
			m.Reply.DPut(ctx, compute.TerminateJobAnswer{})
			if bj.Job.NotifyPort != nil {
				bj.Job.NotifyPort.DPut(ctx, compute.JobFailedMessage{Job: bj.Job, Service: s, Cause: cause})
			}
			if s.algorithm == ConservativeBF {
				s.rebuildReservations(ctx.Now())
			}
			s.schedule(ctx)
			return
		}
	}
	if bj, ok := s.started[m.Job.ID]; ok {
		cause := failure.New(failure.JobKilled, "job %s terminated by request", bj.Job.Name)
		bj.timeoutCause = cause
		s.killJobActions(ctx, bj, cause)
		m.Reply.DPut(ctx, compute.TerminateJobAnswer{})
		if bj.Job.AllTerminal() {
			s.finishJob(ctx, bj)
		}
		return
	}
	m.Reply.DPut(ctx, compute.TerminateJobAnswer{Cause: failure.New(failure.JobCannotBeTerminated,
		"service %s does not hold job %s", s.name, m.Job.Name)})
}

// estimate predicts start dates for hypothetical jobs. Exact only under
// FCFS with first-fit host selection; every other combination answers -1,
// a documented limitation.
func (s *Service) estimate(ctx *actor.Context, specs []EstimateSpec) map[string]float64 {
	out := make(map[string]float64, len(specs))
	exact := s.algorithm == FCFS && s.hostSelection == scheduler.FirstFit
	if !exact {
		for _, spec := range specs {
			out[spec.ID] = -1
		}
		return out
	}
	now := ctx.Now()
	tl := s.runningTimeline(now)
	for _, bj := range s.queue {
		start := tl.EarliestStart(now, bj.WalltimeSeconds, bj.RequestedNodes)
		tl.Add(scheduler.Reservation{JobID: bj.Job.ID, Start: start,
			End: start + bj.WalltimeSeconds, Nodes: bj.RequestedNodes})
	}
	for _, spec := range specs {
		if spec.N > len(s.hosts) || spec.C > s.coresPerNode {
			out[spec.ID] = -1
			continue
		}
		out[spec.ID] = tl.EarliestStart(now, spec.TMins*60, spec.N)
	}
	return out
}
