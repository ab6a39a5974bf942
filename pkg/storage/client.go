package storage

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Client-side halves of the storage RPC protocol. Each helper runs inside
// the calling actor's cooperative slot and blocks it for the full simulated
// duration of the operation. They work against any types.StorageEndpoint,
// so the same code drives simple services and proxy nodes.

// Lookup reports whether the file is stored at loc.
func Lookup(ctx *actor.Context, loc *types.Location, payloads config.Payloads) (bool, *failure.Cause) {
	if cause := endpointUp(loc); cause != nil {
		return false, cause
	}
	reply := ctx.Self().Private
	req := FileLookupRequest{Location: loc, Reply: reply}
	if c := loc.Storage.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileLookupRequestPayload)); c != nil {
		return false, c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return false, c
	}
	ans := msg.(FileLookupAnswer)
	return ans.Present, ans.Cause
}

// FreeSpaceAt returns the free space of the LFS hosting path on the
// endpoint.
func FreeSpaceAt(ctx *actor.Context, endpoint types.StorageEndpoint, path string, payloads config.Payloads) (float64, *failure.Cause) {
	if endpoint == nil || !endpoint.IsUp() {
		return 0, failure.New(failure.ServiceDown, "storage service is down")
	}
	reply := ctx.Self().Private
	req := FreeSpaceRequest{Path: path, Reply: reply}
	if c := endpoint.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileLookupRequestPayload)); c != nil {
		return 0, c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return 0, c
	}
	ans := msg.(FreeSpaceAnswer)
	return ans.Free, ans.Cause
}

// DeleteFile removes the file at loc.
func DeleteFile(ctx *actor.Context, loc *types.Location, payloads config.Payloads) *failure.Cause {
	if cause := endpointUp(loc); cause != nil {
		return cause
	}
	reply := ctx.Self().Private
	req := FileDeleteRequest{Location: loc, Reply: reply}
	if c := loc.Storage.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileDeleteRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return c
	}
	return msg.(FileDeleteAnswer).Cause
}

// WriteFile pushes numBytes of loc's file to its service, streaming chunks
// at the service-announced buffer size and blocking until the final commit
// acknowledgement.
func WriteFile(ctx *actor.Context, loc *types.Location, numBytes float64, payloads config.Payloads) *failure.Cause {
	if cause := endpointUp(loc); cause != nil {
		return cause
	}
	if numBytes <= 0 || numBytes > loc.File.Size {
		numBytes = loc.File.Size
	}
	reply := ctx.Self().Private
	req := FileWriteRequest{Location: loc, NumBytes: numBytes, Reply: reply}
	if c := loc.Storage.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileWriteRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return c
	}
	ans := msg.(FileWriteAnswer)
	if ans.Cause != nil {
		return ans.Cause
	}

	remaining := numBytes
	for remaining > 0 {
		chunk := remaining
		if ans.BufferSize > 0 && chunk > ans.BufferSize {
			chunk = ans.BufferSize
		}
		remaining -= chunk
		if c := ans.DataPort.Put(ctx, FileChunk{Bytes: chunk, Final: remaining <= 0}, chunk); c != nil {
			return c
		}
	}

	msg, c = reply.Get(ctx)
	if c != nil {
		return c
	}
	return msg.(FileWriteAck).Cause
}

// ReadFile pulls numBytes of loc's file from its service, draining the
// chunk stream the service pushes.
func ReadFile(ctx *actor.Context, loc *types.Location, numBytes float64, payloads config.Payloads) *failure.Cause {
	if cause := endpointUp(loc); cause != nil {
		return cause
	}
	if numBytes <= 0 || numBytes > loc.File.Size {
		numBytes = loc.File.Size
	}
	dataPort, cause := ctx.Kernel().Open(ctx.Hostname(), "read-client")
	if cause != nil {
		return cause
	}
	defer dataPort.Close()

	reply := ctx.Self().Private
	req := FileReadRequest{Location: loc, NumBytes: numBytes, DataPort: dataPort, Reply: reply}
	if c := loc.Storage.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileReadRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return c
	}
	if ans := msg.(FileReadAnswer); ans.Cause != nil {
		return ans.Cause
	}
	for {
		msg, c := dataPort.Get(ctx)
		if c != nil {
			return c
		}
		if msg.(FileChunk).Final {
			return nil
		}
	}
}

// CopyFile asks dst's service to pull src, blocking until the copy commits.
func CopyFile(ctx *actor.Context, src, dst *types.Location, payloads config.Payloads) *failure.Cause {
	if cause := endpointUp(dst); cause != nil {
		return cause
	}
	reply := ctx.Self().Private
	req := FileCopyRequest{Src: src, Dst: dst, Reply: reply}
	if c := dst.Storage.Mailbox().Put(ctx, req, payloads.BytesFor(config.FileCopyRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return c
	}
	return msg.(FileCopyAnswer).Cause
}

func endpointUp(loc *types.Location) *failure.Cause {
	if loc == nil || loc.Storage == nil {
		return failure.New(failure.InvalidArgument, "location has no storage service")
	}
	if !loc.Storage.IsUp() {
		return failure.New(failure.ServiceDown, "storage service %s is down", loc.Storage.Name())
	}
	return nil
}
