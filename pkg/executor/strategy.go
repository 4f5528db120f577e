package executor

import (
	"sort"

	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/types"
	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// Selector picks one job out of a non-empty pending set to dispatch next,
// or returns nil if none of them should be dispatched yet (e.g.
// RESOURCE_OPTIMAL when nothing fits the free-resource vector). Each of
// the five named strategies in §4.4.3 is one Selector, so every strategy is
// independently testable instead of living as a branch inside one
// monolithic pump.
type Selector interface {
	Select(pending []*types.JobSubmission) *types.JobSubmission
}

// causalTieBreak orders concurrent-minima candidates by (emergency level
// desc, priority score desc, submission wall-time asc, job id asc), the tie
// chain every strategy except FCFS falls back to.
func causalTieBreak(pending []*types.JobSubmission) *types.JobSubmission {
	minima := causalMinima(pending)
	sort.Slice(minima, func(i, j int) bool {
		a, b := minima[i], minima[j]
		if al, bl := emergencyRank(a.EmergencyLevel), emergencyRank(b.EmergencyLevel); al != bl {
			return al > bl
		}
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.JobID < b.JobID
	})
	return minima[0]
}

// causalMinima returns the minimal elements of the causal order over
// pending's submission clocks: jobs not causally preceded by any other
// pending job.
func causalMinima(pending []*types.JobSubmission) []*types.JobSubmission {
	var minima []*types.JobSubmission
	for _, candidate := range pending {
		precededBySomeone := false
		for _, other := range pending {
			if other == candidate {
				continue
			}
			if vclock.CompareSnapshots(other.SubmissionClock, candidate.SubmissionClock) == vclock.Before {
				precededBySomeone = true
				break
			}
		}
		if !precededBySomeone {
			minima = append(minima, candidate)
		}
	}
	return minima
}

func emergencyRank(level types.EmergencyLevel) int {
	switch level {
	case types.EmergencyCritical:
		return 3
	case types.EmergencyHigh:
		return 2
	case types.EmergencyMedium:
		return 1
	default:
		return 0
	}
}

// CausalSelector implements strategy 1: a minimal element of the causal
// order over pending submission clocks.
type CausalSelector struct{}

func (CausalSelector) Select(pending []*types.JobSubmission) *types.JobSubmission {
	return causalTieBreak(pending)
}

// PrioritySelector implements strategy 2: highest composite priority score,
// falling back to the causal tie-break.
type PrioritySelector struct{}

func (PrioritySelector) Select(pending []*types.JobSubmission) *types.JobSubmission {
	best := pending[0].PriorityScore
	var top []*types.JobSubmission
	for _, j := range pending {
		if j.PriorityScore > best {
			best = j.PriorityScore
		}
	}
	for _, j := range pending {
		if j.PriorityScore == best {
			top = append(top, j)
		}
	}
	return causalTieBreak(top)
}

// EmergencyFirstSelector implements strategy 3: emergency strictly before
// non-emergency, falling back to causal within each class.
type EmergencyFirstSelector struct{}

func (EmergencyFirstSelector) Select(pending []*types.JobSubmission) *types.JobSubmission {
	var emergency []*types.JobSubmission
	for _, j := range pending {
		if j.IsEmergency {
			emergency = append(emergency, j)
		}
	}
	if len(emergency) > 0 {
		return causalTieBreak(emergency)
	}
	return causalTieBreak(pending)
}

// ResourceOptimalSelector implements strategy 4: best fit against a current
// free-resource vector. Select returns nil when no pending job fits, so
// the pump leaves the queue untouched rather than dispatch a job that
// doesn't fit.
type ResourceOptimalSelector struct {
	FreeCPU    float64
	FreeMemory int64
}

func (s ResourceOptimalSelector) Select(pending []*types.JobSubmission) *types.JobSubmission {
	var fitting []*types.JobSubmission
	for _, j := range pending {
		if j.Info.Capabilities.MinCPU <= s.FreeCPU && j.Info.Capabilities.MinMemory <= s.FreeMemory {
			fitting = append(fitting, j)
		}
	}
	if len(fitting) == 0 {
		return nil
	}
	sort.Slice(fitting, func(i, j int) bool {
		return fitting[i].Weight > fitting[j].Weight
	})
	best := fitting[0].Weight
	var top []*types.JobSubmission
	for _, j := range fitting {
		if j.Weight == best {
			top = append(top, j)
		}
	}
	return causalTieBreak(top)
}

// FCFSSelector implements strategy 5: strict arrival order, provided only
// for compatibility baselining per §4.4.3.
type FCFSSelector struct{}

func (FCFSSelector) Select(pending []*types.JobSubmission) *types.JobSubmission {
	earliest := pending[0]
	for _, j := range pending[1:] {
		if j.SubmittedAt.Before(earliest.SubmittedAt) {
			earliest = j
		}
	}
	return earliest
}

// SelectorFor resolves a config.ConflictStrategy name to its Selector,
// defaulting to CAUSAL for an unrecognized or empty value.
func SelectorFor(strategy config.ConflictStrategy) Selector {
	switch strategy {
	case config.StrategyPriority:
		return PrioritySelector{}
	case config.StrategyEmergencyFirst:
		return EmergencyFirstSelector{}
	case config.StrategyResourceOptimal:
		return ResourceOptimalSelector{FreeCPU: 1 << 20, FreeMemory: 1 << 40}
	case config.StrategyFCFS:
		return FCFSSelector{}
	default:
		return CausalSelector{}
	}
}
