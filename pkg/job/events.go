package job

import (
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Events delivered to a controller's event queue. For any one job, events
// arrive in state-transition order; events across jobs may interleave.

// CompoundJobCompletedEvent reports a compound job whose actions all
// completed.
type CompoundJobCompletedEvent struct {
	Job     *types.CompoundJob
	Service compute.Service
}

// CompoundJobFailedEvent reports a compound job that ended with a failed or
// killed action.
type CompoundJobFailedEvent struct {
	Job     *types.CompoundJob
	Service compute.Service
	Cause   *failure.Cause
}

// StandardJobCompletedEvent is the standard-job projection of a completed
// compound job.
type StandardJobCompletedEvent struct {
	Job     *StandardJob
	Service compute.Service
}

// StandardJobFailedEvent is the standard-job projection of a failed
// compound job.
type StandardJobFailedEvent struct {
	Job     *StandardJob
	Service compute.Service
	Cause   *failure.Cause
}

// PilotJobStartedEvent reports that a pilot reservation began; Service is
// the transient compute service usable until expiration.
type PilotJobStartedEvent struct {
	Job     *PilotJob
	Service compute.Service
}

// PilotJobExpiredEvent reports the end of a pilot's walltime window.
type PilotJobExpiredEvent struct {
	Job *PilotJob
}

// TimerEvent fires when a controller-armed timer reaches its date.
type TimerEvent struct {
	Message any
}

// FileCopyCompletedEvent reports an asynchronous copy that committed.
type FileCopyCompletedEvent struct {
	Src *types.Location
	Dst *types.Location
}

// FileCopyFailedEvent reports an asynchronous copy that did not commit.
type FileCopyFailedEvent struct {
	Src   *types.Location
	Dst   *types.Location
	Cause *failure.Cause
}
