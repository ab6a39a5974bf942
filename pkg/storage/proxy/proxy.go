// Package proxy implements XRootD-style federated storage: a tree whose
// internal nodes are supervisors and whose leaves are plain storage
// services. A supervisor resolves lookups and reads through a TTL'd
// location cache (or a collapsed best-child lookup in reduced-simulation
// mode) and forwards writes and deletes to a targeted leaf.
package proxy

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/log"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// defaultCacheLifetime is the CACHE_MAX_LIFETIME fallback, in seconds.
const defaultCacheLifetime = 300.0

type cacheEntry struct {
	leaf    types.StorageEndpoint
	expires float64
}

type stopRequest struct{}

// Supervisor is an internal node of the federation tree. It implements
// types.StorageEndpoint, so clients address it exactly like a plain
// storage service.
type Supervisor struct {
	name     string
	hostname string
	mailbox  *actor.Commport
	kernel   *actor.Kernel

	children    []types.StorageEndpoint
	defaultLeaf types.StorageEndpoint

	cacheTTL float64
	reduced  bool
	cache    map[string]cacheEntry

	// targets pins a (path, file) slot to the leaf chosen when the
	// location was built, the way a ProxyLocation wrapper carries its
	// target leaf.
	targets map[string]types.StorageEndpoint

	payloads config.Payloads

	up     bool
	logger zerolog.Logger
}

// NewSupervisor creates a federation node on hostname. defaultLeaf receives
// writes whose location was not pinned to a specific leaf.
func NewSupervisor(kernel *actor.Kernel, hostname, name string,
	children []types.StorageEndpoint, defaultLeaf types.StorageEndpoint,
	props config.Properties, payloads config.Payloads) (*Supervisor, *failure.Cause) {

	if name == "" {
		name = "proxy-" + hostname
	}
	if props == nil {
		props = config.Properties{}
	}
	if payloads == nil {
		payloads = config.Payloads{}
	}
	if len(children) == 0 {
		return nil, failure.New(failure.InvalidArgument, "proxy %s: supervisor needs children", name)
	}
	mb, cause := kernel.Open(hostname, name)
	if cause != nil {
		return nil, cause
	}
	if defaultLeaf == nil {
		defaultLeaf = children[0]
	}
	return &Supervisor{
		name:        name,
		hostname:    hostname,
		mailbox:     mb,
		kernel:      kernel,
		children:    children,
		defaultLeaf: defaultLeaf,
		cacheTTL:    props.GetFloat(config.CacheMaxLifetime, defaultCacheLifetime),
		reduced:     props.GetBool(config.ReducedSimulation, false),
		cache:       make(map[string]cacheEntry),
		targets:     make(map[string]types.StorageEndpoint),
		payloads:    payloads,
		logger:      log.WithServiceID(name),
	}, nil
}

// Name implements types.StorageEndpoint.
func (p *Supervisor) Name() string { return p.name }

// Hostname implements types.StorageEndpoint.
func (p *Supervisor) Hostname() string { return p.hostname }

// Mailbox implements types.StorageEndpoint.
func (p *Supervisor) Mailbox() *actor.Commport { return p.mailbox }

// IsUp implements types.StorageEndpoint.
func (p *Supervisor) IsUp() bool { return p.up }

// Location builds a proxy location for file f, pinned to targetLeaf for
// writes and deletes (nil means the supervisor's default leaf).
func (p *Supervisor) Location(targetLeaf types.StorageEndpoint, mountPoint, path string, f *types.File) *types.Location {
	loc := types.NewLocation(p, mountPoint, path, f)
	if targetLeaf != nil {
		p.targets[slotKey(loc)] = targetLeaf
	}
	return loc
}

func slotKey(loc *types.Location) string {
	return loc.FullPath() + "#" + loc.File.ID
}

// Start spawns the supervisor's main loop.
func (p *Supervisor) Start() {
	p.up = true
	p.kernel.Spawn(p.hostname, p.name, p.run)
}

// Stop shuts the main loop down after queued requests drain.
func (p *Supervisor) Stop(ctx *actor.Context) {
	p.mailbox.DPut(ctx, stopRequest{})
}

func (p *Supervisor) run(ctx *actor.Context) {
	for {
		msg, cause := p.mailbox.Get(ctx)
		if cause != nil {
			p.up = false
			return
		}
		switch m := msg.(type) {
		case storage.FileLookupRequest:
			p.handleLookup(ctx, m)
		case storage.FileReadRequest:
			p.handleRead(ctx, m)
		case storage.FileWriteRequest:
			p.forwardWrite(ctx, m)
		case storage.FileDeleteRequest:
			p.forwardDelete(ctx, m)
		case storage.FileCopyRequest:
			p.forwardCopy(ctx, m)
		case storage.FreeSpaceRequest:
			p.forwardFreeSpace(ctx, m)
		case stopRequest:
			p.up = false
			return
		default:
			p.logger.Warn().Msgf("dropping unexpected message %T", msg)
		}
	}
}

// targetLeaf resolves the leaf a write/delete of loc is bound for.
func (p *Supervisor) targetLeaf(loc *types.Location) types.StorageEndpoint {
	if leaf, ok := p.targets[slotKey(loc)]; ok {
		return leaf
	}
	return p.defaultLeaf
}

// reroot rebinds loc onto the given endpoint, keeping mount point and path.
func reroot(loc *types.Location, onto types.StorageEndpoint) *types.Location {
	return types.NewLocation(onto, loc.MountPoint, loc.Path, loc.File)
}

// cachedLeaf returns the cached, still-fresh leaf for loc, if any.
func (p *Supervisor) cachedLeaf(loc *types.Location, now float64) (types.StorageEndpoint, bool) {
	e, ok := p.cache[slotKey(loc)]
	if !ok || e.expires < now {
		delete(p.cache, slotKey(loc))
		return nil, false
	}
	return e.leaf, true
}

func (p *Supervisor) populateCache(loc *types.Location, leaf types.StorageEndpoint, now float64) {
	p.cache[slotKey(loc)] = cacheEntry{leaf: leaf, expires: now + p.cacheTTL}
}

// resolve finds a child holding loc's file: cache first, then either the
// collapsed direct walk (reduced simulation) or a message-level walk down
// the children, populating the cache on success.
func (p *Supervisor) resolve(ctx *actor.Context, loc *types.Location) (types.StorageEndpoint, *failure.Cause) {
	now := ctx.Now()
	if leaf, ok := p.cachedLeaf(loc, now); ok {
		return leaf, nil
	}
	if p.reduced {
		if leaf := p.bestChildDirect(loc); leaf != nil {
			p.populateCache(loc, leaf, now)
			return leaf, nil
		}
		return nil, failure.New(failure.FileNotFound, "proxy %s: %s not in federation", p.name, loc)
	}
	for _, child := range p.children {
		if !child.IsUp() {
			continue
		}
		reply := ctx.Self().Private
		req := storage.FileLookupRequest{Location: reroot(loc, child), Reply: reply}
		if c := child.Mailbox().Put(ctx, req, p.payloads.BytesFor(config.FileLookupRequestPayload)); c != nil {
			continue
		}
		msg, c := reply.Get(ctx)
		if c != nil {
			continue
		}
		if ans := msg.(storage.FileLookupAnswer); ans.Cause == nil && ans.Present {
			p.populateCache(loc, child, now)
			return child, nil
		}
	}
	return nil, failure.New(failure.FileNotFound, "proxy %s: %s not in federation", p.name, loc)
}

// bestChildDirect walks the tree without messages, the reduced-simulation
// shortcut.
func (p *Supervisor) bestChildDirect(loc *types.Location) types.StorageEndpoint {
	for _, child := range p.children {
		if !child.IsUp() {
			continue
		}
		switch c := child.(type) {
		case *storage.SimpleStorageService:
			if c.HasFileAtLocation(reroot(loc, c)) {
				return c
			}
		case *Supervisor:
			if c.bestChildDirect(loc) != nil {
				return c
			}
		}
	}
	return nil
}

// handleLookup resolves in a per-request actor so the supervisor loop stays
// responsive while children are consulted.
func (p *Supervisor) handleLookup(ctx *actor.Context, m storage.FileLookupRequest) {
	ctx.Spawn(p.hostname, p.name+"-lookup", func(hctx *actor.Context) {
		_, cause := p.resolve(hctx, m.Location)
		if cause != nil {
			m.Reply.DPut(hctx, storage.FileLookupAnswer{Present: false})
			return
		}
		m.Reply.DPut(hctx, storage.FileLookupAnswer{Present: true})
	})
}

// handleRead resolves the owning leaf, then forwards the read so the leaf
// streams straight to the client's data port.
func (p *Supervisor) handleRead(ctx *actor.Context, m storage.FileReadRequest) {
	ctx.Spawn(p.hostname, p.name+"-read", func(hctx *actor.Context) {
		leaf, cause := p.resolve(hctx, m.Location)
		if cause != nil {
			m.Reply.DPut(hctx, storage.FileReadAnswer{Cause: cause})
			return
		}
		fwd := m
		fwd.Location = reroot(m.Location, leaf)
		leaf.Mailbox().Put(hctx, fwd, p.payloads.BytesFor(config.FileReadRequestPayload))
	})
}

// forwardWrite relays the write to the targeted leaf, interposing on the
// reply path so the cache can be populated once the write commits.
func (p *Supervisor) forwardWrite(ctx *actor.Context, m storage.FileWriteRequest) {
	leaf := p.targetLeaf(m.Location)
	origin := m.Location
	ctx.Spawn(p.hostname, p.name+"-write", func(hctx *actor.Context) {
		reply := hctx.Self().Private
		fwd := m
		fwd.Location = reroot(m.Location, leaf)
		fwd.Reply = reply
		if c := leaf.Mailbox().Put(hctx, fwd, p.payloads.BytesFor(config.FileWriteRequestPayload)); c != nil {
			m.Reply.DPut(hctx, storage.FileWriteAnswer{Cause: c})
			return
		}
		msg, c := reply.Get(hctx)
		if c != nil {
			m.Reply.DPut(hctx, storage.FileWriteAnswer{Cause: c})
			return
		}
		ans := msg.(storage.FileWriteAnswer)
		m.Reply.DPut(hctx, ans)
		if ans.Cause != nil {
			return
		}
		msg, c = reply.Get(hctx)
		if c != nil {
			m.Reply.DPut(hctx, storage.FileWriteAck{Location: origin, Cause: c})
			return
		}
		ack := msg.(storage.FileWriteAck)
		if ack.Cause == nil {
			p.populateCache(origin, leaf, hctx.Now())
		}
		ack.Location = origin
		m.Reply.DPut(hctx, ack)
	})
}

// forwardDelete relays the delete to the targeted leaf and invalidates the
// cache entry on success.
func (p *Supervisor) forwardDelete(ctx *actor.Context, m storage.FileDeleteRequest) {
	leaf := p.targetLeaf(m.Location)
	origin := m.Location
	ctx.Spawn(p.hostname, p.name+"-delete", func(hctx *actor.Context) {
		reply := hctx.Self().Private
		fwd := m
		fwd.Location = reroot(m.Location, leaf)
		fwd.Reply = reply
		if c := leaf.Mailbox().Put(hctx, fwd, p.payloads.BytesFor(config.FileDeleteRequestPayload)); c != nil {
			m.Reply.DPut(hctx, storage.FileDeleteAnswer{Cause: c})
			return
		}
		msg, c := reply.Get(hctx)
		if c != nil {
			m.Reply.DPut(hctx, storage.FileDeleteAnswer{Cause: c})
			return
		}
		ans := msg.(storage.FileDeleteAnswer)
		if ans.Cause == nil {
			delete(p.cache, slotKey(origin))
		}
		m.Reply.DPut(hctx, ans)
	})
}

// forwardCopy reroutes the destination to the targeted leaf; the leaf then
// pulls from the (possibly remote) source itself.
func (p *Supervisor) forwardCopy(ctx *actor.Context, m storage.FileCopyRequest) {
	leaf := p.targetLeaf(m.Dst)
	fwd := m
	fwd.Dst = reroot(m.Dst, leaf)
	leaf.Mailbox().DPut(ctx, fwd)
}

func (p *Supervisor) forwardFreeSpace(ctx *actor.Context, m storage.FreeSpaceRequest) {
	p.defaultLeaf.Mailbox().DPut(ctx, m)
}
