// Package compute defines the one capability every compute service exposes
// to controllers and managers: accept a compound job for execution and
// notify the job's manager of its terminal outcome. Concrete services
// (bare-metal, batch, cloud, htcondor) each own their scheduler; this
// package carries only the shared contract, the RPC message shapes, and the
// client-side submission helpers.
package compute

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// Service is the capability a compound job is submitted against.
//
// Submission is an RPC on the service's public commport (see messages.go);
// the synchronous answer only acknowledges acceptance. Terminal outcomes
// arrive later on the job's NotifyPort as JobDoneMessage/JobFailedMessage,
// in state-transition order for any one job.
type Service interface {
	Name() string
	Hostname() string
	Mailbox() *actor.Commport
	IsUp() bool

	// SupportsCompoundJobs / SupportsPilotJobs describe the shapes the
	// service accepts; submitting an unsupported shape fails with
	// JOB_TYPE_NOT_SUPPORTED.
	SupportsCompoundJobs() bool
	SupportsPilotJobs() bool
}

// SubmitJobRequest asks a service to run job with service-specific args.
type SubmitJobRequest struct {
	Job   *types.CompoundJob
	Args  map[string]string
	Reply *actor.Commport
}

type SubmitJobAnswer struct {
	Cause *failure.Cause
}

// TerminateJobRequest asks a service to kill a job it is running or
// holding.
type TerminateJobRequest struct {
	Job   *types.CompoundJob
	Reply *actor.Commport
}

type TerminateJobAnswer struct {
	Cause *failure.Cause
}

// JobDoneMessage is delivered to a job's NotifyPort when every action
// completed.
type JobDoneMessage struct {
	Job     *types.CompoundJob
	Service Service
}

// JobFailedMessage is delivered to a job's NotifyPort when the job ends
// with a failed or killed action, or is discontinued by the service.
type JobFailedMessage struct {
	Job     *types.CompoundJob
	Service Service
	Cause   *failure.Cause
}

// PilotJobStartedMessage is delivered to a pilot job's NotifyPort when its
// reservation begins; Service is the transient compute service exposed for
// the walltime window.
type PilotJobStartedMessage struct {
	Job     *types.CompoundJob
	Service Service
}

// PilotJobExpiredMessage is delivered when the pilot's walltime window ends
// and its transient service has been shut down.
type PilotJobExpiredMessage struct {
	Job *types.CompoundJob
}

// PilotArg marks a submission as a pilot-job reservation in its
// service-specific args.
const PilotArg = "-pilot"

// StopServiceRequest shuts a service down after queued messages drain.
type StopServiceRequest struct{}
