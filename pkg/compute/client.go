package compute

import (
	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/config"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// SubmitJob performs the submission RPC from the calling actor. On success
// the job has entered PENDING at the service; the terminal notification
// will arrive on job.NotifyPort.
func SubmitJob(ctx *actor.Context, svc Service, job *types.CompoundJob,
	args map[string]string, payloads config.Payloads) *failure.Cause {

	if svc == nil || !svc.IsUp() {
		return failure.New(failure.ServiceDown, "compute service is not running")
	}
	if !job.Submittable() {
		return failure.New(failure.InvalidArgument,
			"job %s has a parent job in a non-terminal state", job.Name)
	}
	if job.NotifyPort == nil {
		job.NotifyPort = ctx.Self().Private
	}
	job.ServiceSpecificArgs = args
	job.SubmitDate = ctx.Now()
	// PENDING is written before the request goes out: the service may
	// advance the job to RUNNING while handling the submission, and the
	// acknowledgement arrives after that turn, so a post-reply write would
	// regress the state machine.
	job.State = types.JobPending

	reply := ctx.Self().Private
	req := SubmitJobRequest{Job: job, Args: args, Reply: reply}
	if c := svc.Mailbox().Put(ctx, req, payloads.BytesFor(config.SubmitJobRequestPayload)); c != nil {
		job.State = types.JobNotSubmitted
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		job.State = types.JobNotSubmitted
		return c
	}
	ans := msg.(SubmitJobAnswer)
	if ans.Cause != nil {
		// The service rejected the submission without touching the job.
		job.State = types.JobNotSubmitted
		return ans.Cause
	}
	return nil
}

// TerminateJob performs the termination RPC from the calling actor.
func TerminateJob(ctx *actor.Context, svc Service, job *types.CompoundJob,
	payloads config.Payloads) *failure.Cause {

	if svc == nil || !svc.IsUp() {
		return failure.New(failure.ServiceDown, "compute service is not running")
	}
	reply := ctx.Self().Private
	req := TerminateJobRequest{Job: job, Reply: reply}
	if c := svc.Mailbox().Put(ctx, req, payloads.BytesFor(config.SubmitJobRequestPayload)); c != nil {
		return c
	}
	msg, c := reply.Get(ctx)
	if c != nil {
		return c
	}
	return msg.(TerminateJobAnswer).Cause
}
