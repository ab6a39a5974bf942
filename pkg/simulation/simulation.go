// Package simulation is the top-level façade: it owns the kernel, the
// platform, the file registry, and the registered services for the
// duration of one run. Exactly one Simulation is live at a time; all
// module-wide state lives inside it and dies with Shutdown.
package simulation

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Startable is any service the simulation starts at launch: storage
// services, compute services, proxies.
type Startable interface {
	Start()
}

type controller struct {
	hostname string
	name     string
	fn       func(*ControllerContext) error
}

// Simulation is the façade value a main program creates, initialises,
// populates, and launches.
type Simulation struct {
	kernel   *actor.Kernel
	plat     *platform.Platform
	registry *fileregistry.Service

	files       map[string]*types.File
	services    []Startable
	controllers []controller

	// Flags recognised by Init.
	CommportPoolSize       int
	FullLog                bool
	PagecacheSimulation    bool
	HostShutdownSimulation bool
	HelpRequested          bool

	initialized bool
	platformSet bool
	launched    bool

	logger zerolog.Logger
}

// New creates an uninitialised simulation.
func New() *Simulation {
	return &Simulation{
		files: make(map[string]*types.File),
	}
}

// Init consumes the --wrench-* command-line surface and returns the
// remaining arguments for the external kernel or user code. It must run
// before InstantiatePlatform and Launch.
func (s *Simulation) Init(args []string) ([]string, error) {
	var rest []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--wrench-commport-pool-size="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "--wrench-commport-pool-size="))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad commport pool size in %q", arg)
			}
			s.CommportPoolSize = n
		case arg == "--wrench-full-log":
			s.FullLog = true
		case arg == "--wrench-pagecache-simulation":
			s.PagecacheSimulation = true
		case arg == "--wrench-host-shutdown-simulation":
			s.HostShutdownSimulation = true
		case arg == "--wrench-help" || arg == "--help-simgrid":
			s.HelpRequested = true
		default:
			rest = append(rest, arg)
		}
	}

	level := log.InfoLevel
	if s.FullLog {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})

	s.kernel = actor.NewKernel(s.CommportPoolSize)
	s.logger = log.WithComponent("simulation")
	s.initialized = true
	return rest, nil
}

// InstantiatePlatform populates the platform from a user builder callback.
func (s *Simulation) InstantiatePlatform(b platform.Builder) error {
	if !s.initialized {
		return fmt.Errorf("InstantiatePlatform called before Init: %w",
			failure.New(failure.FatalFailure, "simulation not initialised"))
	}
	s.plat = platform.InstantiateFromBuilder(b)
	s.platformSet = true
	return nil
}

// InstantiatePlatformFromXML populates the platform from an XML
// description file.
func (s *Simulation) InstantiatePlatformFromXML(path string) error {
	if !s.initialized {
		return fmt.Errorf("InstantiatePlatformFromXML called before Init: %w",
			failure.New(failure.FatalFailure, "simulation not initialised"))
	}
	p, err := platform.InstantiateFromXML(path)
	if err != nil {
		return err
	}
	s.plat = p
	s.platformSet = true
	return nil
}

// Kernel exposes the actor kernel for service constructors.
func (s *Simulation) Kernel() *actor.Kernel { return s.kernel }

// Platform exposes the platform for service constructors.
func (s *Simulation) Platform() *platform.Platform { return s.plat }

// FileRegistry returns the registry service, if one was added.
func (s *Simulation) FileRegistry() *fileregistry.Service { return s.registry }

// AddFileRegistry creates the simulation's file registry service on
// hostname.
func (s *Simulation) AddFileRegistry(hostname string, payloads config.Payloads) (*fileregistry.Service, error) {
	if s.registry != nil {
		return nil, fmt.Errorf("simulation already has a file registry")
	}
	reg, cause := fileregistry.New(s.kernel, hostname, payloads)
	if cause != nil {
		return nil, cause
	}
	s.registry = reg
	return reg, nil
}

// AddFile registers a file with the simulation; ids are unique for the
// lifetime of the run.
func (s *Simulation) AddFile(id string, size float64) (*types.File, error) {
	if _, dup := s.files[id]; dup {
		return nil, fmt.Errorf("file %q already registered", id)
	}
	f := types.NewFile(id, size)
	s.files[f.ID] = f
	return f, nil
}

// File looks a registered file up by id.
func (s *Simulation) File(id string) (*types.File, bool) {
	f, ok := s.files[id]
	return f, ok
}

// StageFile places a file at loc before launch and records the replica in
// the file registry.
func (s *Simulation) StageFile(f *types.File, loc *types.Location) error {
	if s.launched {
		return fmt.Errorf("StageFile is only valid before Launch")
	}
	ss, ok := loc.Storage.(*storage.SimpleStorageService)
	if !ok {
		return fmt.Errorf("StageFile needs a simple storage service location")
	}
	if cause := ss.StageFile(loc); cause != nil {
		return cause
	}
	if s.registry != nil {
		s.registry.StageEntry(loc)
	}
	return nil
}

// Add registers a service to be started at launch. Returns the service for
// chaining.
func (s *Simulation) Add(svc Startable) Startable {
	s.services = append(s.services, svc)
	return svc
}

// AddController registers a user controller actor, spawned at launch on
// hostname.
func (s *Simulation) AddController(hostname, name string, fn func(*ControllerContext) error) {
	s.controllers = append(s.controllers, controller{hostname: hostname, name: name, fn: fn})
}

// Launch wires the network model, starts the registry, every service, and
// every controller, then drives the kernel until all actors have returned.
// Calling it before Init or InstantiatePlatform is a fatal error.
func (s *Simulation) Launch() error {
	if !s.initialized {
		return failure.New(failure.FatalFailure, "Launch called before Init")
	}
	if !s.platformSet {
		return failure.New(failure.FatalFailure, "Launch called before InstantiatePlatform")
	}
	if s.launched {
		return failure.New(failure.FatalFailure, "Launch called twice")
	}
	s.launched = true

	plat := s.plat
	s.kernel.SetNetworkModel(func(src, dst string, sizeBytes float64) float64 {
		if src == dst {
			return 0
		}
		delay := plat.LatencyBetween(src, dst)
		if sizeBytes > 0 {
			delay += sizeBytes / plat.BandwidthBetween(src, dst)
		}
		return delay
	})

	collector := metrics.NewCollector(s.kernel)
	collector.Start()
	defer collector.Stop()

	if s.registry != nil {
		s.registry.Start(s.kernel)
	}
	for _, svc := range s.services {
		svc.Start()
	}
	for _, c := range s.controllers {
		c := c
		s.kernel.Spawn(c.hostname, c.name, func(ctx *actor.Context) {
			cctx, cause := newControllerContext(ctx, s)
			if cause != nil {
				s.logger.Error().Err(cause).Msg("controller setup failed")
				return
			}
			if err := c.fn(cctx); err != nil {
				l := log.WithSimTime(s.logger, ctx.Now())
				l.Error().
					Err(err).Str("controller", c.name).Msg("controller returned an error")
			}
		})
	}

	s.kernel.Run()
	return nil
}

// Now returns the current simulated date.
func (s *Simulation) Now() float64 { return s.kernel.Now() }

// GetHostNumCores returns a host's core count.
func (s *Simulation) GetHostNumCores(hostname string) (int, error) {
	h, ok := s.plat.Host(hostname)
	if !ok {
		return 0, fmt.Errorf("unknown host %q", hostname)
	}
	return h.Cores, nil
}

// GetHostMemoryCapacity returns a host's RAM capacity in bytes.
func (s *Simulation) GetHostMemoryCapacity(hostname string) (float64, error) {
	h, ok := s.plat.Host(hostname)
	if !ok {
		return 0, fmt.Errorf("unknown host %q", hostname)
	}
	return h.RAMBytes, nil
}

// GetHostFlopRate returns a host's per-core speed in flops/second.
func (s *Simulation) GetHostFlopRate(hostname string) (float64, error) {
	h, ok := s.plat.Host(hostname)
	if !ok {
		return 0, fmt.Errorf("unknown host %q", hostname)
	}
	return h.FlopRate, nil
}

// GetEnergyConsumed returns the joules accrued on one host so far.
func (s *Simulation) GetEnergyConsumed(hostname string) (float64, error) {
	h, ok := s.plat.Host(hostname)
	if !ok {
		return 0, fmt.Errorf("unknown host %q", hostname)
	}
	return h.EnergyConsumed(), nil
}

// GetTotalEnergyConsumed sums energy across every host.
func (s *Simulation) GetTotalEnergyConsumed() float64 {
	var total float64
	for _, h := range s.plat.Hosts() {
		total += h.EnergyConsumed()
	}
	return total
}

// DumpPlatformJSON writes a host/disk summary of the platform.
func (s *Simulation) DumpPlatformJSON(w io.Writer) error {
	type diskDump struct {
		MountPoint string  `json:"mount_point"`
		Capacity   float64 `json:"capacity_bytes"`
	}
	type hostDump struct {
		Name     string     `json:"name"`
		Cores    int        `json:"cores"`
		RAM      float64    `json:"ram_bytes"`
		FlopRate float64    `json:"flop_rate"`
		Energy   float64    `json:"energy_joules"`
		Disks    []diskDump `json:"disks,omitempty"`
	}
	hosts := s.plat.Hosts()
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	out := make([]hostDump, 0, len(hosts))
	for _, h := range hosts {
		hd := hostDump{Name: h.Name, Cores: h.Cores, RAM: h.RAMBytes,
			FlopRate: h.FlopRate, Energy: h.EnergyConsumed()}
		for _, d := range h.Disks {
			hd.Disks = append(hd.Disks, diskDump{MountPoint: d.MountPoint, Capacity: d.Capacity})
		}
		out = append(out, hd)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Shutdown tears module-wide state down so a new Simulation can be
// created.
func (s *Simulation) Shutdown() {
	s.files = make(map[string]*types.File)
	s.services = nil
	s.controllers = nil
	s.registry = nil
	s.initialized = false
	s.platformSet = false
}
