// Package scheduler carries the host-selection and reservation-timeline
// algorithms the batch compute service schedules with. The algorithms are
// pure: they read node snapshots and reservation sets and return
// placements, leaving all state mutation to the owning service actor.
package scheduler

import (
	"sort"
)

// Node is one compute node's snapshot as seen by a scheduling pass.
type Node struct {
	Name       string
	IdleCores  int
	TotalCores int
}

// HostSelection enumerates the sub-algorithms for picking the nodes a batch
// job runs on.
type HostSelection string

const (
	FirstFit   HostSelection = "first_fit"
	BestFit    HostSelection = "best_fit"
	RoundRobin HostSelection = "round_robin"
)

// SelectHosts picks n nodes with at least c idle cores each, per the chosen
// sub-algorithm. rrCursor carries round-robin state between passes (ignored
// by the other algorithms). Returns the chosen node names and whether the
// selection succeeded.
func SelectHosts(alg HostSelection, nodes []Node, n, c int, rrCursor *int) ([]string, bool) {
	eligible := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.IdleCores >= c {
			eligible = append(eligible, node)
		}
	}
	if len(eligible) < n {
		return nil, false
	}

	switch alg {
	case BestFit:
		// Minimise leftover cores on each chosen node.
		sort.Slice(eligible, func(i, j int) bool {
			li, lj := eligible[i].IdleCores-c, eligible[j].IdleCores-c
			if li != lj {
				return li < lj
			}
			return eligible[i].Name < eligible[j].Name
		})
	case RoundRobin:
		if rrCursor != nil && len(eligible) > 0 {
			start := *rrCursor % len(eligible)
			rotated := append(append([]Node(nil), eligible[start:]...), eligible[:start]...)
			eligible = rotated
			*rrCursor = (start + n) % len(eligible)
		}
	default: // FirstFit
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = eligible[i].Name
	}
	return out, true
}

// Reservation is one job's hold on a number of nodes over [Start, End).
type Reservation struct {
	JobID string
	Start float64
	End   float64
	Nodes int
}

// Timeline is the piecewise-constant free-node availability function used
// by conservative backfilling and by start-time estimation: total nodes
// minus the sum of reservations covering each instant.
type Timeline struct {
	totalNodes   int
	reservations []Reservation
}

// NewTimeline creates a timeline over totalNodes nodes.
func NewTimeline(totalNodes int) *Timeline {
	return &Timeline{totalNodes: totalNodes}
}

// Add embeds a reservation.
func (t *Timeline) Add(r Reservation) {
	t.reservations = append(t.reservations, r)
}

// Remove drops the reservation held by jobID, if any.
func (t *Timeline) Remove(jobID string) {
	for i, r := range t.reservations {
		if r.JobID == jobID {
			t.reservations = append(t.reservations[:i], t.reservations[i+1:]...)
			return
		}
	}
}

// Clear drops every reservation; used by the compacting rebuild on job
// completion.
func (t *Timeline) Clear() { t.reservations = t.reservations[:0] }

// Reservation returns jobID's reservation, if present.
func (t *Timeline) Reservation(jobID string) (Reservation, bool) {
	for _, r := range t.reservations {
		if r.JobID == jobID {
			return r, true
		}
	}
	return Reservation{}, false
}

// FreeAt returns the free node count at instant at.
func (t *Timeline) FreeAt(at float64) int {
	free := t.totalNodes
	for _, r := range t.reservations {
		if r.Start <= at && at < r.End {
			free -= r.Nodes
		}
	}
	return free
}

// EarliestStart returns the earliest date >= now at which nodes nodes are
// free for the whole window [start, start+duration). Candidate starts are
// now and every reservation end after now; one of them is always feasible
// when nodes <= totalNodes.
func (t *Timeline) EarliestStart(now, duration float64, nodes int) float64 {
	if nodes > t.totalNodes {
		return -1
	}
	candidates := []float64{now}
	for _, r := range t.reservations {
		if r.End > now {
			candidates = append(candidates, r.End)
		}
	}
	sort.Float64s(candidates)
	for _, s := range candidates {
		if t.windowFits(s, duration, nodes) {
			return s
		}
	}
	return -1
}

// windowFits checks free capacity at the window start and at every
// reservation boundary inside the window.
func (t *Timeline) windowFits(start, duration float64, nodes int) bool {
	if t.FreeAt(start) < nodes {
		return false
	}
	end := start + duration
	for _, r := range t.reservations {
		if r.Start > start && r.Start < end && t.FreeAt(r.Start) < nodes {
			return false
		}
	}
	return true
}
