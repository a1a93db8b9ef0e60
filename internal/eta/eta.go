// Package eta computes current and free-flow travel-time estimates for an
// agent's route to a target edge.
package eta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

// ErrUnknownTarget indicates the target edge is unreachable from the agent's
// position through the currently open network.
var ErrUnknownTarget = errors.New("target unreachable from agent position")

// Estimator derives ETAReports from engine travel statistics. Missing
// samples fall back silently to posted speed limits.
type Estimator struct {
	graph  *netgraph.Graph
	engine engine.Client
}

// NewEstimator builds an estimator over the static graph and engine stats.
func NewEstimator(graph *netgraph.Graph, eng engine.Client) *Estimator {
	return &Estimator{graph: graph, engine: eng}
}

// Estimate computes the ETA pair for agent -> targetEdge against the given
// snapshot. The route is the engine's remaining route when it already leads
// through the target, otherwise a graph search through open edges.
func (e *Estimator) Estimate(ctx context.Context, snap *state.Snapshot, agentID, targetEdge string) (*model.ETAReport, error) {
	agent := snap.Agent(agentID)
	if agent == nil {
		return nil, state.ErrAgentNotFound
	}

	route, err := e.routeTo(ctx, agent, targetEdge, snap.Closed)
	if err != nil {
		return nil, err
	}

	report := &model.ETAReport{
		AgentID:  agentID,
		TargetID: targetEdge,
		Tick:     snap.Tick,
	}
	for _, edgeID := range route {
		edge, ok := e.graph.Edge(edgeID)
		if !ok || edge.Internal {
			continue
		}

		free := travelTime(edge.Length, edge.SpeedLimit)
		report.FreeFlow += free

		current := free
		observed := false
		if stats, err := e.engine.EdgeTravelStats(ctx, edgeID); err == nil && stats.SampleCount > 0 && stats.MeanSpeed > 0 {
			current = travelTime(edge.Length, stats.MeanSpeed)
			observed = true
		}
		report.Current += current
		report.Edges = append(report.Edges, model.EdgeTravelTime{
			EdgeID:   edgeID,
			Observed: observed,
			Time:     current,
		})
	}
	return report, nil
}

func (e *Estimator) routeTo(ctx context.Context, agent *model.Agent, targetEdge string, closed func(string) bool) ([]string, error) {
	if remaining, err := e.engine.RemainingRoute(ctx, agent.ID); err == nil {
		for i, edgeID := range remaining {
			if edgeID == targetEdge {
				return remaining[:i+1], nil
			}
		}
	}

	from := agent.Position.EdgeID
	if from == "" {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrUnknownTarget)
	}
	path, ok := e.graph.Path(from, targetEdge, closed)
	if !ok {
		return nil, fmt.Errorf("agent %s to %s: %w", agent.ID, targetEdge, ErrUnknownTarget)
	}
	return path, nil
}

func travelTime(lengthM, speedMPS float64) time.Duration {
	if speedMPS <= 0 {
		return 0
	}
	return time.Duration(lengthM / speedMPS * float64(time.Second))
}
