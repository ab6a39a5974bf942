// Package storage implements the simple storage service: a set of logical
// file systems (one per mount point), a commport RPC protocol for lookups,
// deletions, and buffered streaming reads/writes/copies, and the space
// accounting and eviction behaviour the rest of the simulator relies on.
package storage

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/platform"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// defaultDiskBps is used when the platform carries no disk description for
// a mount point (programmatic platforms often omit disks).
const defaultDiskBps = 1e8

// MountSpec describes one LFS to create on a service.
type MountSpec struct {
	MountPoint string
	Capacity   float64 // ignored when the platform declares the disk
	Policy     EvictionPolicy
}

// SimpleStorageService exposes a set of LFSes over the commport protocol in
// messages.go. It implements types.StorageEndpoint.
type SimpleStorageService struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel

	lfs       map[string]*LogicalFileSystem // mount point -> LFS
	diskRead  map[string]float64            // mount point -> bytes/s
	diskWrite map[string]float64

	bufferSize float64
	payloads   config.Payloads

	// inflight guards the at-most-one-concurrent-write-per-slot rule.
	inflight map[string]bool

	up     bool
	logger zerolog.Logger
}

// New creates a simple storage service on hostname with one LFS per mount
// spec. Disk capacities and bandwidths come from the platform when it
// describes the disk; mount-point sharing and proper-prefix conflicts are
// refused at creation.
func New(kernel *actor.Kernel, plat *platform.Platform, hostname, name string,
	mounts []MountSpec, props config.Properties, payloads config.Payloads) (*SimpleStorageService, *failure.Cause) {

	if name == "" {
		name = "storage-" + hostname
	}
	if props == nil {
		props = config.Properties{}
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	mb, cause := kernel.Open(hostname, name)
	if cause != nil {
		return nil, cause
	}
	s := &SimpleStorageService{
		name:       name,
		hostname:   hostname,
		mailbox:    mb,
		kernel:     kernel,
		lfs:        make(map[string]*LogicalFileSystem),
		diskRead:   make(map[string]float64),
		diskWrite:  make(map[string]float64),
		bufferSize: props.GetFloat(config.BufferSize, 1048576),
		payloads:   payloads,
		inflight:   make(map[string]bool),
		logger:     log.WithServiceID(name),
	}
	for _, m := range mounts {
		mp := types.CanonicalPath(m.MountPoint)
		if _, dup := s.lfs[mp]; dup {
			return nil, failure.New(failure.InvalidArgument,
				"storage %s: duplicate mount point %s", name, mp)
		}
		for existing := range s.lfs {
			if properPrefix(existing, mp) || properPrefix(mp, existing) {
				return nil, failure.New(failure.InvalidArgument,
					"storage %s: mount point %s conflicts with %s", name, mp, existing)
			}
		}
		capacity := m.Capacity
		readBps, writeBps := defaultDiskBps, defaultDiskBps
		if plat != nil {
			if h, ok := plat.Host(hostname); ok {
				if d := h.DiskByMountPoint(mp); d != nil {
					capacity = d.Capacity
					if d.ReadBps > 0 {
						readBps = d.ReadBps
					}
					if d.WriteBps > 0 {
						writeBps = d.WriteBps
					}
				}
			}
		}
		s.lfs[mp] = NewLFS(mp, capacity, m.Policy)
		s.diskRead[mp] = readBps
		s.diskWrite[mp] = writeBps
	}
	return s, nil
}

// properPrefix reports whether a is a proper path prefix of b.
func properPrefix(a, b string) bool {
	if a == b || a == "/" {
		return a != b && a == "/"
	}
	return strings.HasPrefix(b, a+"/")
}

// Name implements types.StorageEndpoint.
func (s *SimpleStorageService) Name() string { return s.name }

// Hostname implements types.StorageEndpoint.
func (s *SimpleStorageService) Hostname() string { return s.hostname }

// Mailbox implements types.StorageEndpoint.
func (s *SimpleStorageService) Mailbox() *actor.Commport { return s.mailbox }

// IsUp implements types.StorageEndpoint.
func (s *SimpleStorageService) IsUp() bool { return s.up }

// BufferSize returns the streaming buffer size this service answers with.
func (s *SimpleStorageService) BufferSize() float64 { return s.bufferSize }

// LFS returns the logical file system mounted at mountPoint.
func (s *SimpleStorageService) LFS(mountPoint string) (*LogicalFileSystem, bool) {
	l, ok := s.lfs[types.CanonicalPath(mountPoint)]
	return l, ok
}

// lfsForPath finds the LFS whose mount point hosts path.
func (s *SimpleStorageService) lfsForPath(path string) (*LogicalFileSystem, bool) {
	p := types.CanonicalPath(path)
	for mp, l := range s.lfs {
		if p == mp || strings.HasPrefix(p, mp+"/") || mp == "/" {
			return l, true
		}
	}
	return nil, false
}

// Location builds a location for file f at (mountPoint, path) on this
// service.
func (s *SimpleStorageService) Location(mountPoint, path string, f *types.File) *types.Location {
	return types.NewLocation(s, mountPoint, path, f)
}

// StageFile places a file directly into the LFS at loc; only valid before
// launch, when no actor is running yet.
func (s *SimpleStorageService) StageFile(loc *types.Location) *failure.Cause {
	l, ok := s.lfs[types.CanonicalPath(loc.MountPoint)]
	if !ok {
		return failure.New(failure.InvalidArgument,
			"storage %s: no LFS at mount point %s", s.name, loc.MountPoint)
	}
	return l.StoreFile(loc.Path, loc.File, 0)
}

// HasFileAtLocation reports whether the file is currently stored at loc,
// bypassing the RPC protocol; used by tests and dumpers.
func (s *SimpleStorageService) HasFileAtLocation(loc *types.Location) bool {
	l, ok := s.lfs[types.CanonicalPath(loc.MountPoint)]
	return ok && l.HasFile(loc.Path, loc.File.ID)
}

// Start spawns the service's main loop.
func (s *SimpleStorageService) Start() {
	s.up = true
	s.kernel.Spawn(s.hostname, s.name, s.run)
}

// Stop shuts the main loop down after queued requests drain.
func (s *SimpleStorageService) Stop(ctx *actor.Context) {
	s.mailbox.DPut(ctx, stopRequest{})
}

func (s *SimpleStorageService) run(ctx *actor.Context) {
	for {
		msg, cause := s.mailbox.Get(ctx)
		if cause != nil {
			s.up = false
			return
		}
		switch m := msg.(type) {
		case FreeSpaceRequest:
			s.handleFreeSpace(ctx, m)
		case FileLookupRequest:
			s.handleLookup(ctx, m)
		case FileDeleteRequest:
			s.handleDelete(ctx, m)
		case FileWriteRequest:
			s.handleWrite(ctx, m)
		case FileReadRequest:
			s.handleRead(ctx, m)
		case FileCopyRequest:
			s.handleCopy(ctx, m)
		case stopRequest:
			s.up = false
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

func (s *SimpleStorageService) handleFreeSpace(ctx *actor.Context, m FreeSpaceRequest) {
	l, ok := s.lfsForPath(m.Path)
	if !ok {
		m.Reply.DPut(ctx, FreeSpaceAnswer{Cause: failure.New(failure.InvalidArgument,
			"storage %s: no LFS hosts %s", s.name, m.Path)})
		return
	}
	m.Reply.DPut(ctx, FreeSpaceAnswer{Free: l.FreeSpace()})
}

func (s *SimpleStorageService) handleLookup(ctx *actor.Context, m FileLookupRequest) {
	l, ok := s.lfs[types.CanonicalPath(m.Location.MountPoint)]
	if !ok {
		m.Reply.DPut(ctx, FileLookupAnswer{Cause: failure.New(failure.InvalidArgument,
			"storage %s: no LFS at %s", s.name, m.Location.MountPoint)})
		return
	}
	m.Reply.DPut(ctx, FileLookupAnswer{Present: l.HasFile(m.Location.Path, m.Location.File.ID)})
}

func (s *SimpleStorageService) handleDelete(ctx *actor.Context, m FileDeleteRequest) {
	l, ok := s.lfs[types.CanonicalPath(m.Location.MountPoint)]
	if !ok {
		m.Reply.DPut(ctx, FileDeleteAnswer{Cause: failure.New(failure.FileNotFound,
			"storage %s: no LFS at %s", s.name, m.Location.MountPoint)})
		return
	}
	cause := l.DeleteFile(m.Location.Path, m.Location.File.ID)
	if cause == nil {
		metrics.StorageFreeBytes.WithLabelValues(s.name, l.MountPoint).Set(l.FreeSpace())
	}
	m.Reply.DPut(ctx, FileDeleteAnswer{Cause: cause})
}

// slotKey identifies one (path, file) write slot for exclusion purposes.
func (s *SimpleStorageService) slotKey(loc *types.Location) string {
	return loc.FullPath() + "#" + loc.File.ID
}
