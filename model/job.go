package model

import "time"

// JobState is the adaptation job lifecycle.
//
// Queued -> InFlight -> {Succeeded | Failed | TimedOut}. A job whose agent
// receives a newer trigger while it is still in flight is marked Superseded
// when it resolves; its result is discarded.
type JobState int

const (
	JobQueued JobState = iota
	JobInFlight
	JobSucceeded
	JobFailed
	JobTimedOut
	JobSuperseded
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobInFlight:
		return "in_flight"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	case JobSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut || s == JobSuperseded
}

// TriggerKind identifies what caused an adaptation job.
type TriggerKind int

const (
	TriggerClosure TriggerKind = iota
	TriggerEvent
	TriggerOperator
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerClosure:
		return "closure"
	case TriggerEvent:
		return "event"
	case TriggerOperator:
		return "operator"
	}
	return "unknown"
}

// JobContext is the immutable payload a dispatcher worker reads. It is built
// on the stepping loop from a state snapshot and never touched again.
type JobContext struct {
	Trigger      TriggerKind
	Demographics Demographics
	// RemainingChain is the agent's still-pending stops at dispatch time.
	RemainingChain []Stop
	// CurrentEdge is where the agent was observed at dispatch time.
	CurrentEdge string
	// ClosedEdges and Alternatives describe a closure trigger.
	ClosedEdges  []string
	AffectedPOIs []string
	Alternatives []POIAlternative
	// Event describes an event trigger.
	Event *Event
	// ETA compares congested vs free-flow travel to the next stop.
	ETA *ETAReport
	// CongestedEdges summarises observed congestion on the remaining route.
	CongestedEdges []string
	// POINames maps POI IDs to display names for everything the chain or
	// alternatives reference.
	POINames map[string]string
}

// AdaptationJob tracks one oracle round trip for one agent.
type AdaptationJob struct {
	ID      string
	AgentID string
	// AgentVersion is the agent's version at dispatch time; the commit
	// pipeline rejects the result if the agent has moved on.
	AgentVersion uint64
	Context      JobContext
	State        JobState
	Attempts     int
	EnqueuedAt   time.Time
}

// ProposedStop is one entry of an oracle-proposed chain: a POI and how long
// the agent should stay, in quarter-hour blocks.
type ProposedStop struct {
	POIName  string
	Quarters int
}

// JobResult is what a worker posts to the results queue when a job reaches a
// terminal state.
type JobResult struct {
	Job *AdaptationJob
	// NoChange is set when the oracle explicitly declined to modify the chain.
	NoChange bool
	// Chain is the proposed replacement chain when NoChange is false.
	Chain []ProposedStop
	// Err holds the failure for Failed/TimedOut jobs.
	Err error
}
