package model

import "time"

// StopStatus tracks the lifecycle of a planned stop within an activity chain.
type StopStatus int

const (
	StopPending StopStatus = iota
	StopInProgress
	StopCompleted
	StopCancelled
)

func (s StopStatus) String() string {
	switch s {
	case StopPending:
		return "pending"
	case StopInProgress:
		return "in_progress"
	case StopCompleted:
		return "completed"
	case StopCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Demographics captures the attributes used for event-affinity scoring and
// oracle context. Immutable after agent creation.
type Demographics struct {
	// AgeBand is the agent's age in whole years.
	AgeBand int
	// IncomeBand is one of "low", "medium", "high".
	IncomeBand string
	// Education is the highest attained education level.
	Education string
	// Employment is the employment status ("employed", "student", ...).
	Employment string
	// Gender as reported by the population generator.
	Gender string
}

// Stop is one planned activity in an agent's chain.
type Stop struct {
	// POIID references the target point of interest.
	POIID string
	// PlannedArrival and PlannedDeparture bound the activity window in
	// simulation time.
	PlannedArrival   time.Time
	PlannedDeparture time.Time
	Status           StopStatus
}

// Position locates an agent on the road network.
type Position struct {
	EdgeID string
	// Offset is the distance in metres from the edge's upstream end.
	Offset float64
}

// Agent is a simulated traveler with a demographic profile and an ordered
// activity chain. The simulation state tracker is the only writer; every
// other component works on copies produced by Clone.
type Agent struct {
	ID           string
	Demographics Demographics
	Position     Position
	// Chain is the ordered activity chain. Stops are replaced wholesale by
	// the commit pipeline, never edited in place.
	Chain []Stop
	// Version increments on every committed chain change. Adaptation
	// results carrying an older version are stale and discarded.
	Version uint64
	// Stranded marks an agent whose remaining stops are all unreachable
	// through the currently open network. Surfaced to the monitor channel.
	Stranded bool
	// Departed reports whether the engine has observed the agent in the
	// network yet. Adapted chains for pending agents are applied on first
	// observation.
	Departed bool
}

// RemainingStops returns the stops that are still pending or in progress.
func (a *Agent) RemainingStops() []Stop {
	var out []Stop
	for _, s := range a.Chain {
		if s.Status == StopPending || s.Status == StopInProgress {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to dispatcher workers.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Chain = make([]Stop, len(a.Chain))
	copy(cp.Chain, a.Chain)
	return &cp
}
