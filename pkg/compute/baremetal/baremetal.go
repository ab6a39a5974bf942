// Package baremetal implements the multi-host executor service: per-host
// core and RAM bookkeeping, greedy first-fit dispatch of ready actions (or
// per-action host bindings from service-specific args), one ActionExecutor
// per started action, and scratch-space management local to the service.
package baremetal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/executor"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// ScratchMountPoint is where a service's scratch LFS is mounted when
// enabled.
const ScratchMountPoint = "/scratch"

type allocation struct {
	host  string
	cores int
	ram   float64
}

type runRecord struct {
	alloc allocation
	act   *actor.Actor
}

type jobRecord struct {
	job  *types.CompoundJob
	args map[string]string
	// scratch tracks locations written to scratch by this job, cleaned at
	// job end.
	scratch []*types.Location
}

// jobStartMessage fires after a job's pre-overhead elapsed.
type jobStartMessage struct{ jobID string }

// jobNotifyMessage fires after a job's post-overhead elapsed.
type jobNotifyMessage struct{ jobID string }

// ShutdownRequest stops the service. In-flight jobs fail with Cause when
// NotifyJobs is set, else their actions are killed silently.
type ShutdownRequest struct {
	NotifyJobs bool
	Cause      *failure.Cause
	Reply      *actor.Commport
}

type ShutdownAnswer struct{}

// Service is the bare-metal compute service.
type Service struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel
	plat     *platform.Platform

	hosts      []string // sorted, for deterministic first-fit
	idleCores  map[string]int
	freeRAM    map[string]float64
	totalCores map[string]int
	totalRAM   map[string]float64

	scratch  *storage.SimpleStorageService
	registry *fileregistry.Service

	props    config.Properties
	payloads config.Payloads

	jobs    map[string]*jobRecord
	ready   []*types.Action
	running map[*types.Action]*runRecord
	// notified marks, per job id, jobs that have already been finalized,
	// so a job only finalizes once.
	notified map[string]bool

	mainActor *actor.Actor

	up     bool
	logger zerolog.Logger
}

// New creates a bare-metal service running on hostname and executing on
// computeHosts (all must exist in the platform). A non-empty scratchSize
// gives the service a scratch LFS on its own host.
func New(kernel *actor.Kernel, plat *platform.Platform, hostname, name string,
	computeHosts []string, scratchSize float64, registry *fileregistry.Service,
	props config.Properties, payloads config.Payloads) (*Service, *failure.Cause) {

	if name == "" {
		name = "baremetal-" + hostname
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
		name:       name,
		hostname:   hostname,
		mailbox:    mb,
		kernel:     kernel,
		plat:       plat,
		idleCores:  make(map[string]int),
		freeRAM:    make(map[string]float64),
		totalCores: make(map[string]int),
		totalRAM:   make(map[string]float64),
		registry:   registry,
		props:      props,
		payloads:   payloads,
		jobs:       make(map[string]*jobRecord),
		running:    make(map[*types.Action]*runRecord),
		notified:   make(map[string]bool),
		logger:     log.WithServiceID(name),
	}
	for _, h := range computeHosts {
		host, ok := plat.Host(h)
		if !ok {
			return nil, failure.New(failure.InvalidArgument, "service %s: unknown host %s", name, h)
		}
		s.hosts = append(s.hosts, h)
		s.idleCores[h] = host.Cores
		s.totalCores[h] = host.Cores
		s.freeRAM[h] = host.RAMBytes
		s.totalRAM[h] = host.RAMBytes
	}
	sort.Strings(s.hosts)

	if scratchSize > 0 {
		scratch, cause := storage.New(kernel, plat, hostname, name+"-scratch",
			[]storage.MountSpec{{MountPoint: ScratchMountPoint, Capacity: scratchSize}}, nil, payloads)
		if cause != nil {
			return nil, cause
		}
		s.scratch = scratch
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
func (s *Service) SupportsPilotJobs() bool { return false }

// HasScratch reports whether the service owns scratch space.
func (s *Service) HasScratch() bool { return s.scratch != nil }

// Hosts returns the compute hosts, sorted.
func (s *Service) Hosts() []string { return append([]string(nil), s.hosts...) }

// TotalIdleCores sums idle cores across hosts.
func (s *Service) TotalIdleCores() int {
	var n int
	for _, c := range s.idleCores {
		n += c
	}
	return n
}

// IdleCores returns the idle core count of one host.
func (s *Service) IdleCores(host string) int { return s.idleCores[host] }

// CanRunNow reports whether some host currently has the idle resources.
func (s *Service) CanRunNow(minCores int, minRAM float64) bool {
	for _, h := range s.hosts {
		if s.idleCores[h] >= minCores && s.freeRAM[h] >= minRAM {
			return true
		}
	}
	return false
}

// couldEverRun reports whether some host could satisfy the request in
// isolation.
func (s *Service) couldEverRun(minCores int, minRAM float64) bool {
	for _, h := range s.hosts {
		if s.totalCores[h] >= minCores && s.totalRAM[h] >= minRAM {
			return true
		}
	}
	return false
}

// ActorIDs returns the live actors belonging to this service (main loop
// plus running executors), for VM suspension.
func (s *Service) ActorIDs() []actor.ActorID {
	var out []actor.ActorID
	if s.mainActor != nil {
		out = append(out, s.mainActor.ID)
	}
	for _, r := range s.running {
		out = append(out, r.act.ID)
	}
	return out
}

// Start spawns the service main loop (and its scratch service).
func (s *Service) Start() {
	s.up = true
	if s.scratch != nil {
		s.scratch.Start()
	}
	s.mainActor = s.kernel.Spawn(s.hostname, s.name, s.run)
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
		case jobStartMessage:
			if rec, ok := s.jobs[m.jobID]; ok {
				s.admitJob(ctx, rec)
			}
		case jobNotifyMessage:
			s.notifyJob(ctx, m.jobID)
		case ShutdownRequest:
			s.handleShutdown(ctx, m)
			return
		case compute.StopServiceRequest:
			s.up = false
			if s.scratch != nil {
				s.scratch.Stop(ctx)
			}
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

// handleSubmit validates feasibility and either admits the job now or after
// its pre-overhead.
func (s *Service) handleSubmit(ctx *actor.Context, m compute.SubmitJobRequest) {
	job := m.Job
	for _, a := range job.Actions() {
		if !s.couldEverRun(a.MinCores, a.MinRAM) {
			m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: failure.New(failure.NotEnoughComputeResources,
				"service %s: action %s needs %d cores / %g RAM; no host can provide them",
				s.name, a.Name, a.MinCores, a.MinRAM)})
			return
		}
		if cause := s.validateBinding(a, m.Args); cause != nil {
			m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: cause})
			return
		}
		if usesScratch(a) && s.scratch == nil {
			m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: failure.New(failure.NoScratchSpace,
				"service %s: action %s uses scratch but the service has none", s.name, a.Name)})
			return
		}
	}
	rec := &jobRecord{job: job, args: m.Args}
	s.jobs[job.ID] = rec
	metrics.JobsSubmitted.WithLabelValues(s.name).Inc()
	m.Reply.DPut(ctx, compute.SubmitJobAnswer{})

	if job.PreJobOverhead > 0 {
		actor.NewAlarm(s.kernel, ctx.Now()+job.PreJobOverhead, s.mailbox, jobStartMessage{jobID: job.ID})
		return
	}
	s.admitJob(ctx, rec)
}

func usesScratch(a *types.Action) bool {
	for _, loc := range []*types.Location{a.FileLoc, a.SrcLoc, a.DstLoc} {
		if loc != nil && loc.Scratch {
			return true
		}
	}
	return false
}

// validateBinding checks a per-action host binding of the form "host" or
// "host:k".
func (s *Service) validateBinding(a *types.Action, args map[string]string) *failure.Cause {
	binding, ok := args[a.Name]
	if !ok {
		return nil
	}
	host, cores, cause := s.parseBinding(binding)
	if cause != nil {
		return cause
	}
	if cores == 0 {
		cores = a.MinCores
	}
	if s.totalCores[host] < cores || cores < a.MinCores {
		return failure.New(failure.NotEnoughComputeResources,
			"service %s: binding %q cannot satisfy action %s", s.name, binding, a.Name)
	}
	return nil
}

func (s *Service) parseBinding(binding string) (string, int, *failure.Cause) {
	host := binding
	cores := 0
	if i := strings.IndexByte(binding, ':'); i >= 0 {
		host = binding[:i]
		n, err := strconv.Atoi(binding[i+1:])
		if err != nil || n < 1 {
			return "", 0, failure.New(failure.InvalidArgument, "bad host binding %q", binding)
		}
		cores = n
	}
	if _, ok := s.totalCores[host]; !ok {
		return "", 0, failure.New(failure.InvalidArgument,
			"service %s: binding names unknown host %q", s.name, host)
	}
	return host, cores, nil
}

// admitJob moves the job to RUNNING and dispatches its ready actions.
func (s *Service) admitJob(ctx *actor.Context, rec *jobRecord) {
	rec.job.State = types.JobRunning
	for _, a := range rec.job.ActionsInState(types.ActionNotReady) {
		if a.ParentsDone() {
			a.SetState(types.ActionReady)
		}
	}
	s.enqueueReady(rec.job)
	s.dispatch(ctx)
}

// enqueueReady appends the job's READY actions not yet queued or running.
func (s *Service) enqueueReady(job *types.CompoundJob) {
	queued := make(map[*types.Action]bool, len(s.ready))
	for _, a := range s.ready {
		queued[a] = true
	}
	ready := job.ActionsInState(types.ActionReady)
	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	for _, a := range ready {
		if !queued[a] {
			s.ready = append(s.ready, a)
		}
	}
}

// dispatch walks the ready queue, starting every action that fits.
func (s *Service) dispatch(ctx *actor.Context) {
	var still []*types.Action
	for _, a := range s.ready {
		if a.State() != types.ActionReady {
			continue
		}
		rec, ok := s.jobs[a.Job.ID]
		if !ok {
			continue
		}
		alloc, fits, feasible := s.place(a, rec.args)
		switch {
		case fits:
			s.start(ctx, a, alloc)
		case feasible:
			still = append(still, a)
		default:
			a.Attempt().Failure = failure.New(failure.NotEnoughComputeResources,
				"service %s: no host can ever run action %s", s.name, a.Name)
			a.Attempt().EndDate = ctx.Now()
			a.SetState(types.ActionFailed)
			s.maybeFinalize(ctx, a.Job)
		}
	}
	s.ready = still
	metrics.IdleCoresTotal.WithLabelValues(s.name).Set(float64(s.TotalIdleCores()))
}

// place picks a host for the action: the per-action binding when present,
// else first fit across hosts.
func (s *Service) place(a *types.Action, args map[string]string) (allocation, bool, bool) {
	if binding, ok := args[a.Name]; ok {
		host, cores, cause := s.parseBinding(binding)
		if cause != nil {
			return allocation{}, false, false
		}
		if cores == 0 {
			cores = a.MinCores
		}
		if s.idleCores[host] >= cores && s.freeRAM[host] >= a.MinRAM {
			return allocation{host: host, cores: cores, ram: a.MinRAM}, true, true
		}
		return allocation{}, false, s.totalCores[host] >= cores && s.totalRAM[host] >= a.MinRAM
	}
	for _, h := range s.hosts {
		if s.idleCores[h] >= a.MinCores && s.freeRAM[h] >= a.MinRAM {
			cores := a.MaxCores
			if cores > s.idleCores[h] {
				cores = s.idleCores[h]
			}
			return allocation{host: h, cores: cores, ram: a.MinRAM}, true, true
		}
	}
	return allocation{}, false, s.couldEverRun(a.MinCores, a.MinRAM)
}

// start reserves the allocation and spawns the executor.
func (s *Service) start(ctx *actor.Context, a *types.Action, alloc allocation) {
	s.idleCores[alloc.host] -= alloc.cores
	s.freeRAM[alloc.host] -= alloc.ram
	host, _ := s.plat.Host(alloc.host)
	exec := executor.Executor{
		Action:         a,
		Host:           host,
		Hostname:       alloc.host,
		Cores:          alloc.cores,
		RAM:            alloc.ram,
		Notify:         s.mailbox,
		Registry:       s.registry,
		ResolveScratch: s.resolveScratch(a.Job),
		Payloads:       s.payloads,
	}
	s.running[a] = &runRecord{alloc: alloc, act: executor.Spawn(s.kernel, exec)}
}

// resolveScratch returns the scratch resolver for one job, recording every
// resolved location for end-of-job cleanup.
func (s *Service) resolveScratch(job *types.CompoundJob) func(*types.Location) (*types.Location, *failure.Cause) {
	if s.scratch == nil {
		return nil
	}
	return func(loc *types.Location) (*types.Location, *failure.Cause) {
		resolved := s.scratch.Location(ScratchMountPoint, "/"+job.Name, loc.File)
		if rec, ok := s.jobs[job.ID]; ok {
			rec.scratch = append(rec.scratch, resolved)
		}
		return resolved, nil
	}
}

// handleDone releases the executor's reservation exactly once and advances
// the job.
func (s *Service) handleDone(ctx *actor.Context, m executor.DoneMessage) {
	a := m.Action
	if rec, ok := s.running[a]; ok {
		s.idleCores[rec.alloc.host] += rec.alloc.cores
		s.freeRAM[rec.alloc.host] += rec.alloc.ram
		delete(s.running, a)
	}
	if a.State() == types.ActionCompleted {
		a.Job.MarkReadyActions()
		s.enqueueReady(a.Job)
	}
	s.maybeFinalize(ctx, a.Job)
	s.dispatch(ctx)
}

// maybeFinalize ends the job once every action is terminal, charging the
// post-overhead before the notification.
func (s *Service) maybeFinalize(ctx *actor.Context, job *types.CompoundJob) {
	if s.notified[job.ID] || !job.AllTerminal() {
		return
	}
	s.notified[job.ID] = true
	if job.PostJobOverhead > 0 {
		actor.NewAlarm(s.kernel, ctx.Now()+job.PostJobOverhead, s.mailbox, jobNotifyMessage{jobID: job.ID})
		return
	}
	s.notifyJob(ctx, job.ID)
}

func (s *Service) notifyJob(ctx *actor.Context, jobID string) {
	rec, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job := rec.job
	s.cleanupScratch(rec)
	delete(s.jobs, jobID)
	job.EndDate = ctx.Now()

	failed, cause := job.HasFailed()
	if failed {
		job.State = types.JobDiscontinued
		metrics.JobsCompleted.WithLabelValues(s.name, "failed").Inc()
		if job.NotifyPort != nil {
			job.NotifyPort.DPut(ctx, compute.JobFailedMessage{Job: job, Service: s, Cause: cause})
		}
		return
	}
	job.State = types.JobCompleted
	metrics.JobsCompleted.WithLabelValues(s.name, "completed").Inc()
	if job.NotifyPort != nil {
		job.NotifyPort.DPut(ctx, compute.JobDoneMessage{Job: job, Service: s})
	}
}

// cleanupScratch drops every file the job placed in scratch.
func (s *Service) cleanupScratch(rec *jobRecord) {
	if s.scratch == nil {
		return
	}
	lfs, ok := s.scratch.LFS(ScratchMountPoint)
	if !ok {
		return
	}
	for _, loc := range rec.scratch {
		lfs.DeleteFile(loc.Path, loc.File.ID)
	}
}

// handleTerminate kills a job's running executors and queued actions.
func (s *Service) handleTerminate(ctx *actor.Context, m compute.TerminateJobRequest) {
	job := m.Job
	if _, ok := s.jobs[job.ID]; !ok {
		m.Reply.DPut(ctx, compute.TerminateJobAnswer{Cause: failure.New(failure.JobCannotBeTerminated,
			"service %s does not hold job %s", s.name, job.Name)})
		return
	}
	killCause := failure.New(failure.JobKilled, "job %s terminated by request", job.Name)
	for _, a := range job.Actions() {
		switch a.State() {
		case types.ActionStarted:
			if rec, ok := s.running[a]; ok {
				s.kernel.Kill(rec.act.ID)
			}
		case types.ActionReady, types.ActionNotReady:
			a.Attempt().Failure = killCause
			a.Attempt().EndDate = ctx.Now()
			a.SetState(types.ActionKilled)
		}
	}
	m.Reply.DPut(ctx, compute.TerminateJobAnswer{})
	s.maybeFinalize(ctx, job)
}

// handleShutdown ends every held job with the requested disposition and
// stops the service.
func (s *Service) handleShutdown(ctx *actor.Context, m ShutdownRequest) {
	s.up = false
	cause := m.Cause
	if cause == nil {
		cause = failure.New(failure.ServiceDown, "service %s shut down", s.name)
	}
	for _, rec := range s.jobs {
		for _, a := range rec.job.Actions() {
			switch a.State() {
			case types.ActionStarted:
				if r, ok := s.running[a]; ok {
					s.kernel.Kill(r.act.ID)
					s.idleCores[r.alloc.host] += r.alloc.cores
					s.freeRAM[r.alloc.host] += r.alloc.ram
					delete(s.running, a)
				}
				// The terminal disposition is written here, not by the
				// killed executor: with notifications the action FAILS
				// with the shutdown cause, without them it is KILLED.
				a.Attempt().Failure = cause
				a.Attempt().EndDate = ctx.Now()
				if m.NotifyJobs {
					a.SetState(types.ActionFailed)
				} else {
					a.SetState(types.ActionKilled)
				}
			case types.ActionReady, types.ActionNotReady:
				a.Attempt().Failure = cause
				a.Attempt().EndDate = ctx.Now()
				if m.NotifyJobs {
					a.SetState(types.ActionFailed)
				} else {
					a.SetState(types.ActionKilled)
				}
			}
		}
		if m.NotifyJobs {
			rec.job.State = types.JobDiscontinued
			if rec.job.NotifyPort != nil {
				rec.job.NotifyPort.DPut(ctx, compute.JobFailedMessage{Job: rec.job, Service: s, Cause: cause})
			}
		}
		s.notified[rec.job.ID] = true
	}
	s.jobs = make(map[string]*jobRecord)
	if s.scratch != nil {
		s.scratch.Stop(ctx)
	}
	if m.Reply != nil {
		m.Reply.DPut(ctx, ShutdownAnswer{})
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("baremetal{%s on %s, %d hosts}", s.name, s.hostname, len(s.hosts))
}
