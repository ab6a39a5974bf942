// Package cloud implements the VM-managing compute service: a pool of
// physical hosts, a dynamic set of VMs placed on them, and per-VM inner
// bare-metal services that jobs are submitted to. Clients never submit
// jobs to the cloud service itself; they submit to the handle startVM
// returns.
package cloud

import (
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/compute/baremetal"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
)

// VMState is the VM lifecycle.
type VMState string

const (
	VMCreated   VMState = "CREATED"
	VMRunning   VMState = "RUNNING"
	VMSuspended VMState = "SUSPENDED"
	VMShutdown  VMState = "SHUTDOWN"
)

// Placement enumerates the VM placement algorithms.
type Placement string

const (
	PlaceFirstFit     Placement = "first_fit"
	PlaceBestFitRAM   Placement = "best_fit_ram_first"
	PlaceBestFitCores Placement = "best_fit_cores_first"
)

// VM is one virtual machine record.
type VM struct {
	Name  string
	Cores int
	RAM   float64
	State VMState

	// PhysicalHost is set while the VM is running or suspended.
	PhysicalHost string
	// Inner is the bare-metal service exposed while running.
	Inner *baremetal.Service

	// pinnedHost, when non-empty, restricts placement to one host.
	pinnedHost string
}

// RPC messages.

type CreateVMRequest struct {
	Cores        int
	RAM          float64
	PhysicalHost string // optional pin
	Reply        *actor.Commport
}

type CreateVMAnswer struct {
	VMName string
	Cause  *failure.Cause
}

type StartVMRequest struct {
	VMName string
	Reply  *actor.Commport
}

type StartVMAnswer struct {
	Service *baremetal.Service
	Cause   *failure.Cause
}

type SuspendVMRequest struct {
	VMName string
	Reply  *actor.Commport
}

type ResumeVMRequest struct {
	VMName string
	Reply  *actor.Commport
}

type ShutdownVMRequest struct {
	VMName string
	// SendFailureNotifications makes in-flight jobs FAIL with Cause;
	// otherwise their actions are KILLED.
	SendFailureNotifications bool
	Cause                    *failure.Cause
	Reply                    *actor.Commport
}

type DestroyVMRequest struct {
	VMName string
	Reply  *actor.Commport
}

type VMAnswer struct {
	Cause *failure.Cause
}

// Service is the cloud compute service.
type Service struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel
	plat     *platform.Platform

	hosts          []string
	committedCores map[string]int
	committedRAM   map[string]float64

	vms map[string]*VM

	placement Placement

	registry *fileregistry.Service
	payloads config.Payloads

	up     bool
	logger zerolog.Logger
}

// New creates a cloud service over the given execution hosts.
func New(kernel *actor.Kernel, plat *platform.Platform, hostname, name string,
	executionHosts []string, registry *fileregistry.Service,
	props config.Properties, payloads config.Payloads) (*Service, *failure.Cause) {

	if name == "" {
		name = "cloud-" + hostname
	}
	if props == nil {
		props = config.Properties{}
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	if len(executionHosts) == 0 {
		return nil, failure.New(failure.InvalidArgument, "service %s: no execution hosts", name)
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
		committedCores: make(map[string]int),
		committedRAM:   make(map[string]float64),
		vms:            make(map[string]*VM),
		placement:      Placement(props.GetString(config.VMPlacementAlgorithm, string(PlaceFirstFit))),
		registry:       registry,
		payloads:       payloads,
		logger:         log.WithServiceID(name),
	}
	for _, h := range executionHosts {
		if _, ok := plat.Host(h); !ok {
			return nil, failure.New(failure.InvalidArgument, "service %s: unknown host %s", name, h)
		}
		s.hosts = append(s.hosts, h)
	}
	sort.Strings(s.hosts)
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

// SupportsCompoundJobs implements compute.Service; jobs must go to the
// inner bare-metal handle startVM returns.
func (s *Service) SupportsCompoundJobs() bool { return false }

// SupportsPilotJobs implements compute.Service.
func (s *Service) SupportsPilotJobs() bool { return false }

// ExecutionHosts publishes the backing hosts' identities.
func (s *Service) ExecutionHosts() []string { return append([]string(nil), s.hosts...) }

// VMStateOf reports a VM's lifecycle state.
func (s *Service) VMStateOf(vmName string) (VMState, bool) {
	vm, ok := s.vms[vmName]
	if !ok {
		return "", false
	}
	return vm.State, true
}

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
		case CreateVMRequest:
			m.Reply.DPut(ctx, s.createVM(m))
		case StartVMRequest:
			m.Reply.DPut(ctx, s.startVM(ctx, m))
		case SuspendVMRequest:
			m.Reply.DPut(ctx, VMAnswer{Cause: s.suspendVM(m.VMName)})
		case ResumeVMRequest:
			m.Reply.DPut(ctx, VMAnswer{Cause: s.resumeVM(m.VMName)})
		case ShutdownVMRequest:
			m.Reply.DPut(ctx, VMAnswer{Cause: s.shutdownVM(ctx, m)})
		case DestroyVMRequest:
			m.Reply.DPut(ctx, VMAnswer{Cause: s.destroyVM(m.VMName)})
		case compute.SubmitJobRequest:
			m.Reply.DPut(ctx, compute.SubmitJobAnswer{Cause: failure.New(failure.JobTypeNotSupported,
				"service %s: submit to the bare-metal handle returned by StartVM", s.name)})
		case compute.StopServiceRequest:
			s.up = false
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

func (s *Service) createVM(m CreateVMRequest) CreateVMAnswer {
	if m.Cores < 1 || m.RAM < 0 {
		return CreateVMAnswer{Cause: failure.New(failure.InvalidArgument,
			"service %s: bad VM shape (%d cores, %g RAM)", s.name, m.Cores, m.RAM)}
	}
	feasible := false
	for _, h := range s.candidateHosts(m.PhysicalHost) {
		host, ok := s.plat.Host(h)
		if ok && host.Cores >= m.Cores && host.RAMBytes >= m.RAM {
			feasible = true
			break
		}
	}
	if !feasible {
		return CreateVMAnswer{Cause: failure.New(failure.NotEnoughComputeResources,
			"service %s: no execution host can ever fit a %d-core/%g-RAM VM", s.name, m.Cores, m.RAM)}
	}
	vm := &VM{
		Name:       "vm-" + uuid.NewString()[:8],
		Cores:      m.Cores,
		RAM:        m.RAM,
		State:      VMCreated,
		pinnedHost: m.PhysicalHost,
	}
	s.vms[vm.Name] = vm
	metrics.VMsTotal.WithLabelValues(s.name, string(VMCreated)).Inc()
	return CreateVMAnswer{VMName: vm.Name}
}

func (s *Service) candidateHosts(pin string) []string {
	if pin != "" {
		return []string{pin}
	}
	return s.hosts
}

// placeVM picks a physical host with sufficient idle resources at call
// time, per the configured placement algorithm. Does not queue.
func (s *Service) placeVM(vm *VM) (string, bool) {
	type fit struct {
		host      string
		leftCores int
		leftRAM   float64
	}
	var fits []fit
	for _, h := range s.candidateHosts(vm.pinnedHost) {
		host, ok := s.plat.Host(h)
		if !ok {
			continue
		}
		idleCores := host.Cores - s.committedCores[h]
		idleRAM := host.RAMBytes - s.committedRAM[h]
		if idleCores >= vm.Cores && idleRAM >= vm.RAM {
			fits = append(fits, fit{host: h, leftCores: idleCores - vm.Cores, leftRAM: idleRAM - vm.RAM})
		}
	}
	if len(fits) == 0 {
		return "", false
	}
	switch s.placement {
	case PlaceBestFitRAM:
		sort.Slice(fits, func(i, j int) bool {
			if fits[i].leftRAM != fits[j].leftRAM {
				return fits[i].leftRAM < fits[j].leftRAM
			}
			if fits[i].leftCores != fits[j].leftCores {
				return fits[i].leftCores < fits[j].leftCores
			}
			return fits[i].host < fits[j].host
		})
	case PlaceBestFitCores:
		sort.Slice(fits, func(i, j int) bool {
			if fits[i].leftCores != fits[j].leftCores {
				return fits[i].leftCores < fits[j].leftCores
			}
			if fits[i].leftRAM != fits[j].leftRAM {
				return fits[i].leftRAM < fits[j].leftRAM
			}
			return fits[i].host < fits[j].host
		})
	default: // first fit, hosts already sorted
		sort.Slice(fits, func(i, j int) bool { return fits[i].host < fits[j].host })
	}
	return fits[0].host, true
}

// startVM places the VM, registers it as a synthetic platform host bounded
// by the VM shape, and starts the inner bare-metal service.
func (s *Service) startVM(ctx *actor.Context, m StartVMRequest) StartVMAnswer {
	vm, ok := s.vms[m.VMName]
	if !ok {
		return StartVMAnswer{Cause: failure.New(failure.InvalidArgument,
			"service %s: unknown VM %s", s.name, m.VMName)}
	}
	if vm.State != VMCreated && vm.State != VMShutdown {
		return StartVMAnswer{Cause: failure.New(failure.InvalidArgument,
			"service %s: VM %s is %s, cannot start", s.name, vm.Name, vm.State)}
	}
	phys, ok := s.placeVM(vm)
	if !ok {
		return StartVMAnswer{Cause: failure.New(failure.NotEnoughComputeResources,
			"service %s: no execution host currently has %d idle cores and %g RAM for VM %s",
			s.name, vm.Cores, vm.RAM, vm.Name)}
	}
	physHost, _ := s.plat.Host(phys)
	s.plat.AddHost(&platform.Host{
		Name:     vm.Name,
		Cores:    vm.Cores,
		RAMBytes: vm.RAM,
		FlopRate: physHost.FlopRate,
	})

	inner, cause := baremetal.New(s.kernel, s.plat, phys, vm.Name+"-svc",
		[]string{vm.Name}, 0, s.registry, nil, s.payloads)
	if cause != nil {
		return StartVMAnswer{Cause: cause}
	}
	s.committedCores[phys] += vm.Cores
	s.committedRAM[phys] += vm.RAM
	vm.PhysicalHost = phys
	vm.Inner = inner
	vm.State = VMRunning
	inner.Start()
	metrics.VMsTotal.WithLabelValues(s.name, string(VMRunning)).Inc()
	return StartVMAnswer{Service: inner}
}

// suspendVM parks every actor running inside the VM; the clock advances but
// no action progress accrues until resume.
func (s *Service) suspendVM(vmName string) *failure.Cause {
	vm, ok := s.vms[vmName]
	if !ok || vm.State != VMRunning {
		return failure.New(failure.InvalidArgument,
			"service %s: VM %s is not running", s.name, vmName)
	}
	for _, id := range vm.Inner.ActorIDs() {
		s.kernel.Suspend(id)
	}
	vm.State = VMSuspended
	return nil
}

func (s *Service) resumeVM(vmName string) *failure.Cause {
	vm, ok := s.vms[vmName]
	if !ok || vm.State != VMSuspended {
		return failure.New(failure.InvalidArgument,
			"service %s: VM %s is not suspended", s.name, vmName)
	}
	for _, id := range vm.Inner.ActorIDs() {
		s.kernel.Resume(id)
	}
	vm.State = VMRunning
	return nil
}

func (s *Service) shutdownVM(ctx *actor.Context, m ShutdownVMRequest) *failure.Cause {
	vm, ok := s.vms[m.VMName]
	if !ok {
		return failure.New(failure.InvalidArgument, "service %s: unknown VM %s", s.name, m.VMName)
	}
	if vm.State != VMRunning && vm.State != VMSuspended {
		return failure.New(failure.InvalidArgument,
			"service %s: VM %s is %s, cannot shut down", s.name, vm.Name, vm.State)
	}
	if vm.State == VMSuspended {
		for _, id := range vm.Inner.ActorIDs() {
			s.kernel.Resume(id)
		}
	}
	vm.Inner.Mailbox().DPut(ctx, baremetal.ShutdownRequest{
		NotifyJobs: m.SendFailureNotifications,
		Cause:      m.Cause,
	})
	s.committedCores[vm.PhysicalHost] -= vm.Cores
	s.committedRAM[vm.PhysicalHost] -= vm.RAM
	vm.PhysicalHost = ""
	vm.Inner = nil
	vm.State = VMShutdown
	metrics.VMsTotal.WithLabelValues(s.name, string(VMShutdown)).Inc()
	return nil
}

// destroyVM frees the record; the VM must be shut down first.
func (s *Service) destroyVM(vmName string) *failure.Cause {
	vm, ok := s.vms[vmName]
	if !ok {
		return failure.New(failure.InvalidArgument, "service %s: unknown VM %s", s.name, vmName)
	}
	if vm.State != VMShutdown && vm.State != VMCreated {
		return failure.New(failure.InvalidArgument,
			"service %s: VM %s must be shut down before destroy", s.name, vm.Name)
	}
	delete(s.vms, vmName)
	return nil
}

// --- Client helpers; blocking RPCs from the caller's actor. ---

func (s *Service) rpc(ctx *actor.Context, build func(reply *actor.Commport) any) (any, *failure.Cause) {
	if !s.up {
		return nil, failure.New(failure.ServiceDown, "service %s is down", s.name)
	}
	reply := ctx.Self().Private
	if c := s.mailbox.Put(ctx, build(reply), s.payloads.BytesFor(config.SubmitJobRequestPayload)); c != nil {
		return nil, c
	}
	return reply.Get(ctx)
}

// CreateVM allocates a VM record and returns its name.
func (s *Service) CreateVM(ctx *actor.Context, cores int, ram float64, physicalHost string) (string, *failure.Cause) {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return CreateVMRequest{Cores: cores, RAM: ram, PhysicalHost: physicalHost, Reply: reply}
	})
	if c != nil {
		return "", c
	}
	ans := msg.(CreateVMAnswer)
	return ans.VMName, ans.Cause
}

// StartVM starts a created VM and returns the inner bare-metal handle.
func (s *Service) StartVM(ctx *actor.Context, vmName string) (*baremetal.Service, *failure.Cause) {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return StartVMRequest{VMName: vmName, Reply: reply}
	})
	if c != nil {
		return nil, c
	}
	ans := msg.(StartVMAnswer)
	return ans.Service, ans.Cause
}

// SuspendVM pauses a running VM.
func (s *Service) SuspendVM(ctx *actor.Context, vmName string) *failure.Cause {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return SuspendVMRequest{VMName: vmName, Reply: reply}
	})
	if c != nil {
		return c
	}
	return msg.(VMAnswer).Cause
}

// ResumeVM unpauses a suspended VM.
func (s *Service) ResumeVM(ctx *actor.Context, vmName string) *failure.Cause {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return ResumeVMRequest{VMName: vmName, Reply: reply}
	})
	if c != nil {
		return c
	}
	return msg.(VMAnswer).Cause
}

// ShutdownVM stops a VM's inner service.
func (s *Service) ShutdownVM(ctx *actor.Context, vmName string, sendFailureNotifications bool, cause *failure.Cause) *failure.Cause {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return ShutdownVMRequest{VMName: vmName, SendFailureNotifications: sendFailureNotifications,
			Cause: cause, Reply: reply}
	})
	if c != nil {
		return c
	}
	return msg.(VMAnswer).Cause
}

// DestroyVM frees a shut-down VM's record.
func (s *Service) DestroyVM(ctx *actor.Context, vmName string) *failure.Cause {
	msg, c := s.rpc(ctx, func(reply *actor.Commport) any {
		return DestroyVMRequest{VMName: vmName, Reply: reply}
	})
	if c != nil {
		return c
	}
	return msg.(VMAnswer).Cause
}
