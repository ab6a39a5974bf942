// Package fileregistry implements the process-wide file -> locations
// mapping as an actor-backed service: lookups and mutations are RPCs over
// the service's public commport, not direct calls, so they obey the
// simulator's concurrency model.
package fileregistry

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Request/answer messages on the service's public commport.

type AddEntryRequest struct {
	Location *types.Location
	Reply    *actor.Commport
}

type AddEntryAnswer struct{}

type RemoveEntryRequest struct {
	Location *types.Location
	Reply    *actor.Commport
}

type RemoveEntryAnswer struct {
	Cause *failure.Cause // FILE_NOT_FOUND when the entry was absent
}

type LookupRequest struct {
	File  *types.File
	Reply *actor.Commport
}

type LookupAnswer struct {
	Locations []*types.Location
}

type stopRequest struct{}

// Service is the file registry actor. One per simulation, created by the
// simulation façade.
type Service struct {
	hostname string
	mailbox  *actor.Commport
	payloads config.Payloads

	entries map[string][]*types.Location // file id -> known locations

	up     bool
	logger zerolog.Logger
}

// New creates a registry service bound to hostname. Start must be called
// before any RPC.
func New(kernel *actor.Kernel, hostname string, payloads config.Payloads) (*Service, *failure.Cause) {
	mb, cause := kernel.Open(hostname, "file-registry")
	if cause != nil {
		return nil, cause
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	return &Service{
		hostname: hostname,
		mailbox:  mb,
		payloads: payloads,
		entries:  make(map[string][]*types.Location),
		logger:   log.WithComponent("file-registry"),
	}, nil
}

// Hostname returns the host the registry runs on.
func (s *Service) Hostname() string { return s.hostname }

// Mailbox returns the public commport the RPC protocol listens on.
func (s *Service) Mailbox() *actor.Commport { return s.mailbox }

// IsUp reports whether the service actor is processing requests.
func (s *Service) IsUp() bool { return s.up }

// Start spawns the service's main loop.
func (s *Service) Start(kernel *actor.Kernel) {
	s.up = true
	kernel.Spawn(s.hostname, "file-registry", s.run)
}

func (s *Service) run(ctx *actor.Context) {
	for {
		msg, cause := s.mailbox.Get(ctx)
		if cause != nil {
			s.up = false
			return
		}
		switch m := msg.(type) {
		case AddEntryRequest:
			s.add(m.Location)
			m.Reply.DPut(ctx, AddEntryAnswer{})
		case RemoveEntryRequest:
			m.Reply.DPut(ctx, RemoveEntryAnswer{Cause: s.remove(m.Location)})
		case LookupRequest:
			m.Reply.DPut(ctx, LookupAnswer{Locations: s.lookup(m.File)})
		case stopRequest:
			s.up = false
			return
		default:
			s.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

func (s *Service) add(loc *types.Location) {
	id := loc.File.ID
	for _, known := range s.entries[id] {
		if known.Equal(loc) {
			return
		}
	}
	s.entries[id] = append(s.entries[id], loc)
}

func (s *Service) remove(loc *types.Location) *failure.Cause {
	id := loc.File.ID
	known := s.entries[id]
	for i, l := range known {
		if l.Equal(loc) {
			s.entries[id] = append(known[:i], known[i+1:]...)
			return nil
		}
	}
	return failure.New(failure.FileNotFound, "file %s has no registry entry at %s", id, loc)
}

func (s *Service) lookup(f *types.File) []*types.Location {
	known := s.entries[f.ID]
	out := make([]*types.Location, len(known))
	copy(out, known)
	return out
}

// --- Client helpers; each is a blocking RPC from the caller's actor. ---

// AddEntry registers loc for its file.
func (s *Service) AddEntry(ctx *actor.Context, loc *types.Location) *failure.Cause {
	if !s.up {
		return failure.New(failure.ServiceDown, "file registry is down")
	}
	reply := ctx.Self().Private
	if cause := s.mailbox.Put(ctx, AddEntryRequest{Location: loc, Reply: reply},
		s.payloads.BytesFor(config.FileLookupRequestPayload)); cause != nil {
		return cause
	}
	_, cause := reply.Get(ctx)
	return cause
}

// RemoveEntry removes loc from its file's entry set.
func (s *Service) RemoveEntry(ctx *actor.Context, loc *types.Location) *failure.Cause {
	if !s.up {
		return failure.New(failure.ServiceDown, "file registry is down")
	}
	reply := ctx.Self().Private
	if cause := s.mailbox.Put(ctx, RemoveEntryRequest{Location: loc, Reply: reply},
		s.payloads.BytesFor(config.FileLookupRequestPayload)); cause != nil {
		return cause
	}
	msg, cause := reply.Get(ctx)
	if cause != nil {
		return cause
	}
	return msg.(RemoveEntryAnswer).Cause
}

// Lookup returns every known location of f. A file with no entries yields
// an empty slice, not an error; callers that require at least one location
// surface NO_STORAGE_SERVICE_FOR_FILE themselves.
func (s *Service) Lookup(ctx *actor.Context, f *types.File) ([]*types.Location, *failure.Cause) {
	if !s.up {
		return nil, failure.New(failure.ServiceDown, "file registry is down")
	}
	reply := ctx.Self().Private
	if cause := s.mailbox.Put(ctx, LookupRequest{File: f, Reply: reply},
		s.payloads.BytesFor(config.FileLookupRequestPayload)); cause != nil {
		return nil, cause
	}
	msg, cause := reply.Get(ctx)
	if cause != nil {
		return nil, cause
	}
	return msg.(LookupAnswer).Locations, nil
}

// Stop shuts the service actor down after it drains requests already queued
// ahead of the stop message.
func (s *Service) Stop(ctx *actor.Context) {
	s.mailbox.DPut(ctx, stopRequest{})
}

// StageEntry records loc without going through the actor protocol; only
// valid before launch, when no actor is running yet.
func (s *Service) StageEntry(loc *types.Location) {
	s.add(loc)
}
