package model

import "time"

// EdgeState is the closure state machine per edge. An edge is in exactly one
// state at any tick.
type EdgeState int

const (
	EdgeOpen EdgeState = iota
	EdgeClosed
)

func (s EdgeState) String() string {
	if s == EdgeClosed {
		return "closed"
	}
	return "open"
}

// RoadClosure records one closure order: the edges it closed, when, and when
// (if ever) they were reopened.
type RoadClosure struct {
	Edges    []string
	ClosedAt time.Time
	// ReopenedAt is zero while the closure is in force.
	ReopenedAt time.Time
}

// ClosureDelta is emitted by the state tracker on every closure transition
// and consumed by the affected-entity detector in the same tick.
type ClosureDelta struct {
	Closed   []string
	Reopened []string
	Tick     uint64
}

// Empty reports whether the delta carries no transitions.
func (d ClosureDelta) Empty() bool {
	return len(d.Closed) == 0 && len(d.Reopened) == 0
}
