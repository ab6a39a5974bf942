package storage

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Messages exchanged on a storage service's public commport. The same
// request/answer shapes are used by the simple storage service and by the
// proxy/federated nodes, so clients are indifferent to which they talk to.

// FreeSpaceRequest asks for the free space of the LFS hosting Path.
type FreeSpaceRequest struct {
	Path  string
	Reply *actor.Commport
}

type FreeSpaceAnswer struct {
	Free  float64
	Cause *failure.Cause
}

// FileLookupRequest asks whether the file is stored at Location.
type FileLookupRequest struct {
	Location *types.Location
	Reply    *actor.Commport
}

type FileLookupAnswer struct {
	Present bool
	Cause   *failure.Cause
}

// FileDeleteRequest removes the file at Location if present.
type FileDeleteRequest struct {
	Location *types.Location
	Reply    *actor.Commport
}

type FileDeleteAnswer struct {
	Cause *failure.Cause
}

// FileWriteRequest opens a write of NumBytes to Location. The answer
// carries the commport the client must stream FileChunks to and the buffer
// size to stream them in; the final chunk commits the file, after which a
// FileWriteAck arrives on Reply.
type FileWriteRequest struct {
	Location *types.Location
	NumBytes float64
	Reply    *actor.Commport
}

type FileWriteAnswer struct {
	DataPort   *actor.Commport
	BufferSize float64
	Cause      *failure.Cause
}

type FileWriteAck struct {
	Location *types.Location
	Cause    *failure.Cause
}

// FileReadRequest opens a read of NumBytes from Location. The client opens
// DataPort; the service streams FileChunks to it, sized per the answer's
// BufferSize, the last one flagged Final.
type FileReadRequest struct {
	Location *types.Location
	NumBytes float64
	DataPort *actor.Commport
	Reply    *actor.Commport
}

type FileReadAnswer struct {
	BufferSize float64
	Cause      *failure.Cause
}

// FileChunk is one streamed segment of a transfer.
type FileChunk struct {
	Bytes float64
	Final bool
}

// FileCopyRequest asks the destination service to pull Src into Dst.
// The answer arrives on Reply once the copy has committed (or failed).
type FileCopyRequest struct {
	Src   *types.Location
	Dst   *types.Location
	Reply *actor.Commport
}

type FileCopyAnswer struct {
	Src   *types.Location
	Dst   *types.Location
	Cause *failure.Cause
}

type stopRequest struct{}
