package model

import "time"

// EdgeTravelTime is one edge's contribution to a route ETA.
type EdgeTravelTime struct {
	EdgeID string
	// Observed is true when the estimate came from travel samples in the
	// current tick window; false means the posted speed limit was used.
	Observed bool
	Time     time.Duration
}

// ETAReport pairs the congestion-aware and free-flow travel-time estimates
// for one (agent, target) pair at a specific tick.
type ETAReport struct {
	AgentID  string
	TargetID string
	Tick     uint64
	// Current sums per-edge times using observed mean speeds, falling back
	// to the speed limit on edges without samples.
	Current time.Duration
	// FreeFlow sums per-edge times using the speed limit everywhere.
	FreeFlow time.Duration
	Edges    []EdgeTravelTime
}

// Delay returns how much slower the current estimate is than free flow.
func (r *ETAReport) Delay() time.Duration {
	if r == nil {
		return 0
	}
	return r.Current - r.FreeFlow
}
