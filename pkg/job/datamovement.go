package job

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/fileregistry"
	"github.com/cuemby/wrenchgo/pkg/storage"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// DataMovementManager orchestrates file transfers for a controller outside
// any job: synchronous copies block the controller, asynchronous copies
// complete with FileCopy*Events on the controller's event queue.
type DataMovementManager struct {
	kernel    *actor.Kernel
	hostname  string
	eventPort *actor.Commport
	registry  *fileregistry.Service // optional; updated after copies/deletes
	payloads  config.Payloads
}

// NewDataMovementManager creates a manager for the calling controller.
func NewDataMovementManager(ctx *actor.Context, eventPort *actor.Commport,
	registry *fileregistry.Service, payloads config.Payloads) *DataMovementManager {
	if payloads == nil {
		payloads = config.Payloads{}
	}
	return &DataMovementManager{
		kernel:    ctx.Kernel(),
		hostname:  ctx.Hostname(),
		eventPort: eventPort,
		registry:  registry,
		payloads:  payloads,
	}
}

// DoSynchronousFileCopy copies src to dst, blocking the controller until
// the copy commits, then records the new replica in the file registry.
func (dm *DataMovementManager) DoSynchronousFileCopy(ctx *actor.Context, src, dst *types.Location) *failure.Cause {
	if cause := storage.CopyFile(ctx, src, dst, dm.payloads); cause != nil {
		return cause
	}
	if dm.registry != nil {
		return dm.registry.AddEntry(ctx, dst)
	}
	return nil
}

// InitiateAsynchronousFileCopy starts the copy in a helper actor; the
// outcome arrives later as a FileCopyCompletedEvent or FileCopyFailedEvent.
func (dm *DataMovementManager) InitiateAsynchronousFileCopy(ctx *actor.Context, src, dst *types.Location) {
	ctx.Spawn(dm.hostname, "async-copy", func(cctx *actor.Context) {
		if cause := storage.CopyFile(cctx, src, dst, dm.payloads); cause != nil {
			dm.eventPort.DPut(cctx, FileCopyFailedEvent{Src: src, Dst: dst, Cause: cause})
			return
		}
		if dm.registry != nil {
			dm.registry.AddEntry(cctx, dst)
		}
		dm.eventPort.DPut(cctx, FileCopyCompletedEvent{Src: src, Dst: dst})
	})
}

// DoSynchronousFileDelete removes the file at loc and drops its registry
// entry.
func (dm *DataMovementManager) DoSynchronousFileDelete(ctx *actor.Context, loc *types.Location) *failure.Cause {
	if cause := storage.DeleteFile(ctx, loc, dm.payloads); cause != nil {
		return cause
	}
	if dm.registry != nil {
		return dm.registry.RemoveEntry(ctx, loc)
	}
	return nil
}
