package job

import (
	"fmt"

	"github.com/cuemby/wrenchgo/pkg/actor"
	"github.com/cuemby/wrenchgo/pkg/compute"
	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// PilotJob is a resource reservation: once started, Running exposes a
// transient compute service that lives only inside the reservation's
// walltime window. The window is enforced by the target batch service,
// which shuts the transient service down at expiry even if the controller
// never terminates the pilot explicitly.
type PilotJob struct {
	Compound *types.CompoundJob

	// Running is non-nil between the PilotJobStartedEvent and the
	// PilotJobExpiredEvent.
	Running compute.Service
}

// CreatePilotJob returns an empty reservation job.
func (m *Manager) CreatePilotJob() *PilotJob {
	j := m.CreateCompoundJob("")
	pj := &PilotJob{Compound: j}
	m.pilots[j.ID] = pj
	return pj
}

// SubmitPilotJob submits the reservation to a batch-capable service as
// (nodes, coresPerNode, walltime minutes).
func (m *Manager) SubmitPilotJob(ctx *actor.Context, pj *PilotJob, svc compute.Service,
	nodes, coresPerNode int, walltimeMinutes float64) *failure.Cause {

	if !svc.SupportsPilotJobs() {
		return failure.New(failure.JobTypeNotSupported,
			"service %s does not support pilot jobs", svc.Name())
	}
	args := map[string]string{
		"-N":             fmt.Sprintf("%d", nodes),
		"-c":             fmt.Sprintf("%d", coresPerNode),
		"-t":             fmt.Sprintf("%g", walltimeMinutes),
		compute.PilotArg: "true",
	}
	return m.SubmitJob(ctx, pj.Compound, svc, args)
}
