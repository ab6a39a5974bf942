package storage

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/metrics"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// handleWrite reserves space (evicting under the LFS policy), enforces the
// one-writer-per-slot rule, and spawns a transfer actor that drains the
// client's chunk stream onto the disk. The reservation is reversed on every
// failure path.
func (s *SimpleStorageService) handleWrite(ctx *actor.Context, m FileWriteRequest) {
	loc := m.Location
	l, ok := s.lfs[types.CanonicalPath(loc.MountPoint)]
	if !ok {
		m.Reply.DPut(ctx, FileWriteAnswer{Cause: failure.New(failure.InvalidArgument,
			"storage %s: no LFS at %s", s.name, loc.MountPoint)})
		return
	}
	key := s.slotKey(loc)
	if s.inflight[key] {
		m.Reply.DPut(ctx, FileWriteAnswer{Cause: failure.New(failure.FileAlreadyBeingCopied,
			"storage %s: %s already has a write in progress", s.name, loc)})
		return
	}

	overwrite := l.HasFile(loc.Path, loc.File.ID)
	if !overwrite {
		if cause := l.Reserve(loc.File.Size, ctx.Now()); cause != nil {
			m.Reply.DPut(ctx, FileWriteAnswer{Cause: cause})
			return
		}
	}

	dataPort, cause := s.kernel.Open(s.hostname, s.name+"-write")
	if cause != nil {
		if !overwrite {
			l.ReleaseReservation(loc.File.Size)
		}
		m.Reply.DPut(ctx, FileWriteAnswer{Cause: cause})
		return
	}

	s.inflight[key] = true
	if overwrite {
		l.Pin(loc.Path, loc.File.ID)
	}
	writeBps := s.diskWrite[l.MountPoint]
	start := ctx.Now()

	ctx.Spawn(s.hostname, s.name+"-write-transfer", func(tctx *actor.Context) {
		defer dataPort.Close()
		var received float64
		for {
			msg, cause := dataPort.Get(tctx)
			if cause != nil {
				s.abortWrite(l, loc, key, overwrite)
				m.Reply.DPut(tctx, FileWriteAck{Location: loc, Cause: cause})
				return
			}
			chunk := msg.(FileChunk)
			if c := tctx.Sleep(chunk.Bytes / writeBps); c != nil {
				s.abortWrite(l, loc, key, overwrite)
				m.Reply.DPut(tctx, FileWriteAck{Location: loc, Cause: c})
				return
			}
			received += chunk.Bytes
			if chunk.Final {
				break
			}
		}
		if overwrite {
			l.Unpin(loc.Path, loc.File.ID)
			if meta, ok := l.Meta(loc.Path, loc.File.ID); ok {
				meta.LastWriteDate = tctx.Now()
			}
		} else {
			l.CommitFile(loc.Path, loc.File, tctx.Now())
		}
		delete(s.inflight, key)
		metrics.StorageFreeBytes.WithLabelValues(s.name, l.MountPoint).Set(l.FreeSpace())
		metrics.FileTransferDuration.WithLabelValues("write").Observe(tctx.Now() - start)
		m.Reply.DPut(tctx, FileWriteAck{Location: loc})
	})

	buf := s.bufferSize
	m.Reply.DPut(ctx, FileWriteAnswer{DataPort: dataPort, BufferSize: buf})
}

// abortWrite reverses the bookkeeping of a write that will not commit.
func (s *SimpleStorageService) abortWrite(l *LogicalFileSystem, loc *types.Location, key string, overwrite bool) {
	if overwrite {
		l.Unpin(loc.Path, loc.File.ID)
	} else {
		l.ReleaseReservation(loc.File.Size)
	}
	delete(s.inflight, key)
}

// handleRead checks presence, refreshes the read date, pins the file for
// the duration of the stream, and spawns a reader actor that pushes chunks
// at disk-read speed to the client's data port.
func (s *SimpleStorageService) handleRead(ctx *actor.Context, m FileReadRequest) {
	loc := m.Location
	l, ok := s.lfs[types.CanonicalPath(loc.MountPoint)]
	if !ok {
		m.Reply.DPut(ctx, FileReadAnswer{Cause: failure.New(failure.InvalidArgument,
			"storage %s: no LFS at %s", s.name, loc.MountPoint)})
		return
	}
	if !l.HasFile(loc.Path, loc.File.ID) {
		m.Reply.DPut(ctx, FileReadAnswer{Cause: failure.New(failure.FileNotFound,
			"storage %s: %s not found", s.name, loc)})
		return
	}
	numBytes := m.NumBytes
	if numBytes <= 0 || numBytes > loc.File.Size {
		numBytes = loc.File.Size
	}
	l.TouchRead(loc.Path, loc.File.ID, ctx.Now())
	l.Pin(loc.Path, loc.File.ID)

	readBps := s.diskRead[l.MountPoint]
	buf := s.bufferSize
	start := ctx.Now()

	ctx.Spawn(s.hostname, s.name+"-read-transfer", func(tctx *actor.Context) {
		defer l.Unpin(loc.Path, loc.File.ID)
		remaining := numBytes
		for remaining > 0 {
			chunk := remaining
			if buf > 0 && chunk > buf {
				chunk = buf
			}
			if c := tctx.Sleep(chunk / readBps); c != nil {
				return
			}
			remaining -= chunk
			if c := m.DataPort.Put(tctx, FileChunk{Bytes: chunk, Final: remaining <= 0}, chunk); c != nil {
				return
			}
		}
		metrics.FileTransferDuration.WithLabelValues("read").Observe(tctx.Now() - start)
	})

	m.Reply.DPut(ctx, FileReadAnswer{BufferSize: buf})
}

// handleCopy orchestrates a pull from Src into this service: a local
// reservation chained to a read from the source, the same exclusion rule as
// a plain write, and a single answer once the file has committed.
func (s *SimpleStorageService) handleCopy(ctx *actor.Context, m FileCopyRequest) {
	dst := m.Dst
	l, ok := s.lfs[types.CanonicalPath(dst.MountPoint)]
	if !ok {
		m.Reply.DPut(ctx, FileCopyAnswer{Src: m.Src, Dst: dst,
			Cause: failure.New(failure.InvalidArgument, "storage %s: no LFS at %s", s.name, dst.MountPoint)})
		return
	}
	key := s.slotKey(dst)
	if s.inflight[key] {
		m.Reply.DPut(ctx, FileCopyAnswer{Src: m.Src, Dst: dst,
			Cause: failure.New(failure.FileAlreadyBeingCopied,
				"storage %s: %s already has a write in progress", s.name, dst)})
		return
	}
	if m.Src.Storage == nil || !m.Src.Storage.IsUp() {
		m.Reply.DPut(ctx, FileCopyAnswer{Src: m.Src, Dst: dst,
			Cause: failure.New(failure.ServiceDown, "copy source service is down")})
		return
	}
	overwrite := l.HasFile(dst.Path, dst.File.ID)
	if !overwrite {
		if cause := l.Reserve(dst.File.Size, ctx.Now()); cause != nil {
			m.Reply.DPut(ctx, FileCopyAnswer{Src: m.Src, Dst: dst, Cause: cause})
			return
		}
	}
	s.inflight[key] = true
	writeBps := s.diskWrite[l.MountPoint]
	start := ctx.Now()

	ctx.Spawn(s.hostname, s.name+"-copy-transfer", func(tctx *actor.Context) {
		cause := s.pullFile(tctx, m.Src, writeBps)
		if cause != nil {
			s.abortWrite(l, dst, key, overwrite)
			m.Reply.DPut(tctx, FileCopyAnswer{Src: m.Src, Dst: dst, Cause: cause})
			return
		}
		if !overwrite {
			l.CommitFile(dst.Path, dst.File, tctx.Now())
		}
		delete(s.inflight, key)
		metrics.StorageFreeBytes.WithLabelValues(s.name, l.MountPoint).Set(l.FreeSpace())
		metrics.FileTransferDuration.WithLabelValues("copy").Observe(tctx.Now() - start)
		m.Reply.DPut(tctx, FileCopyAnswer{Src: m.Src, Dst: dst})
	})
}

// pullFile streams the source file into this host, charging local disk
// write time per chunk. A same-service source degenerates to disk-to-disk
// streaming with no network hop.
func (s *SimpleStorageService) pullFile(tctx *actor.Context, src *types.Location, writeBps float64) *failure.Cause {
	if src.Storage != nil && src.Storage.Name() == s.name {
		srcLFS, ok := s.lfs[types.CanonicalPath(src.MountPoint)]
		if !ok || !srcLFS.HasFile(src.Path, src.File.ID) {
			return failure.New(failure.FileNotFound, "storage %s: %s not found", s.name, src)
		}
		srcLFS.TouchRead(src.Path, src.File.ID, tctx.Now())
		readBps := s.diskRead[srcLFS.MountPoint]
		remaining := src.File.Size
		buf := s.bufferSize
		for remaining > 0 {
			chunk := remaining
			if buf > 0 && chunk > buf {
				chunk = buf
			}
			if c := tctx.Sleep(chunk/readBps + chunk/writeBps); c != nil {
				return c
			}
			remaining -= chunk
		}
		return nil
	}

	dataPort, cause := s.kernel.Open(s.hostname, s.name+"-copy-in")
	if cause != nil {
		return cause
	}
	defer dataPort.Close()
	reply := tctx.Self().Private
	req := FileReadRequest{Location: src, NumBytes: src.File.Size, DataPort: dataPort, Reply: reply}
	if c := src.Storage.Mailbox().Put(tctx, req, s.payloads.BytesFor(config.FileReadRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(tctx)
	if c != nil {
		return c
	}
	if ans := msg.(FileReadAnswer); ans.Cause != nil {
		return ans.Cause
	}
	for {
		msg, c := dataPort.Get(tctx)
		if c != nil {
			return c
		}
		chunk := msg.(FileChunk)
		if cc := tctx.Sleep(chunk.Bytes / writeBps); cc != nil {
			return cc
		}
		if chunk.Final {
			return nil
		}
	}
}
