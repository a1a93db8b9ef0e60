// Package engine defines the capability surface this orchestrator consumes
// from the external traffic simulation engine. The physics and routing live
// on the far side of this interface; the orchestrator only queries state and
// pushes routes.
package engine

import (
	"context"
	"errors"

	"github.com/cityflux/traffic-replanner/model"
)

// ErrAgentNotFound indicates the engine does not currently know the agent,
// either because it has not departed yet or has left the network.
var ErrAgentNotFound = errors.New("agent not in engine")

// TravelStats aggregates per-edge observations for one tick window.
type TravelStats struct {
	EdgeID string
	// SampleCount is the number of vehicles observed on the edge during the
	// window. Zero means no samples; callers fall back to the speed limit.
	SampleCount int
	// MeanSpeed is the average observed speed in metres per second.
	MeanSpeed float64
	// Occupancy is the fraction of the edge occupied by vehicles, 0..1.
	Occupancy float64
}

// Congested reports whether the edge counts as congested for oracle context.
// The threshold follows the original viewer heuristics.
func (s TravelStats) Congested() bool { return s.Occupancy > 0.5 }

// Client is the engine capability consumed by the orchestrator.
type Client interface {
	// Agents lists the IDs of agents currently in the network.
	Agents(ctx context.Context) ([]string, error)
	// Position returns an agent's current edge and offset.
	Position(ctx context.Context, agentID string) (model.Position, error)
	// RemainingRoute returns the edges the agent has yet to traverse,
	// starting at its current edge.
	RemainingRoute(ctx context.Context, agentID string) ([]string, error)
	// EdgeTravelStats returns observations for an edge over the current
	// tick window.
	EdgeTravelStats(ctx context.Context, edgeID string) (TravelStats, error)
	// SetRoute replaces an agent's route with the given edge sequence.
	SetRoute(ctx context.Context, agentID string, edges []string) error
	// SetEdgeAllowed opens or closes an edge for traffic inside the engine.
	SetEdgeAllowed(ctx context.Context, edgeID string, open bool) error
	// Connected reports whether b is reachable from a in the engine's
	// current network graph.
	Connected(ctx context.Context, fromEdge, toEdge string) (bool, error)
}
