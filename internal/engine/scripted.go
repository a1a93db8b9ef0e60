package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/model"
)

// Scripted is a deterministic in-process engine used for local runs and
// tests. Agents advance along their routes at the scripted edge speed (or
// the speed limit) each tick; closed edges carry no traffic. It implements
// the same Client surface a real engine binding would.
type Scripted struct {
	mu    sync.RWMutex
	graph *netgraph.Graph

	agents map[string]*scriptedAgent
	closed map[string]bool
	// speeds overrides the observed mean speed per edge; absent edges
	// report zero samples.
	speeds map[string]float64
	// occupancy per edge, for congestion context.
	occupancy map[string]float64
	tickSecs  float64
}

type scriptedAgent struct {
	id     string
	route  []string // remaining route, route[0] is the current edge
	offset float64
}

// NewScripted builds a scripted engine over the given graph. tickSecs is how
// much simulated time one Advance call represents.
func NewScripted(graph *netgraph.Graph, tickSecs float64) *Scripted {
	if tickSecs <= 0 {
		tickSecs = 1
	}
	return &Scripted{
		graph:     graph,
		agents:    make(map[string]*scriptedAgent),
		closed:    make(map[string]bool),
		speeds:    make(map[string]float64),
		occupancy: make(map[string]float64),
		tickSecs:  tickSecs,
	}
}

// AddAgent places an agent at the start of route. The route must be non-empty
// and every edge must exist.
func (s *Scripted) AddAgent(agentID string, route []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(route) == 0 {
		return fmt.Errorf("agent %q: empty route", agentID)
	}
	for _, e := range route {
		if _, ok := s.graph.Edge(e); !ok {
			return fmt.Errorf("agent %q: %w: %s", agentID, netgraph.ErrEdgeNotFound, e)
		}
	}
	s.agents[agentID] = &scriptedAgent{id: agentID, route: append([]string(nil), route...)}
	return nil
}

// RemoveAgent drops an agent, as when it completes its chain.
func (s *Scripted) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// SetEdgeSpeed scripts the observed mean speed on an edge in m/s. A zero or
// negative speed clears the samples.
func (s *Scripted) SetEdgeSpeed(edgeID string, speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speed <= 0 {
		delete(s.speeds, edgeID)
		return
	}
	s.speeds[edgeID] = speed
}

// SetOccupancy scripts the occupancy fraction on an edge.
func (s *Scripted) SetOccupancy(edgeID string, occ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupancy[edgeID] = occ
}

// Advance moves every agent along its route by one tick of travel. Agents
// that run off the end of their route stay parked on the final edge.
func (s *Scripted) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if len(a.route) == 0 {
			continue
		}
		edge, ok := s.graph.Edge(a.route[0])
		if !ok {
			continue
		}
		speed := edge.SpeedLimit
		if v, ok := s.speeds[edge.ID]; ok {
			speed = v
		}
		if s.closed[edge.ID] {
			continue
		}
		a.offset += speed * s.tickSecs
		for a.offset >= edge.Length && len(a.route) > 1 {
			a.offset -= edge.Length
			a.route = a.route[1:]
			edge, ok = s.graph.Edge(a.route[0])
			if !ok {
				break
			}
		}
		if len(a.route) == 1 && a.offset > edge.Length {
			a.offset = edge.Length
		}
	}
}

func (s *Scripted) Agents(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Scripted) Position(ctx context.Context, agentID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || len(a.route) == 0 {
		return model.Position{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return model.Position{EdgeID: a.route[0], Offset: a.offset}, nil
}

func (s *Scripted) RemainingRoute(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return append([]string(nil), a.route...), nil
}

func (s *Scripted) EdgeTravelStats(ctx context.Context, edgeID string) (TravelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.graph.Edge(edgeID); !ok {
		return TravelStats{}, fmt.Errorf("%w: %s", netgraph.ErrEdgeNotFound, edgeID)
	}
	stats := TravelStats{EdgeID: edgeID, Occupancy: s.occupancy[edgeID]}
	if v, ok := s.speeds[edgeID]; ok {
		stats.SampleCount = 1
		stats.MeanSpeed = v
	}
	return stats, nil
}

func (s *Scripted) SetRoute(ctx context.Context, agentID string, edges []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if len(edges) == 0 {
		return fmt.Errorf("agent %q: empty route", agentID)
	}
	for _, e := range edges {
		if _, ok := s.graph.Edge(e); !ok {
			return fmt.Errorf("agent %q: %w: %s", agentID, netgraph.ErrEdgeNotFound, e)
		}
	}
	// Keep the agent on its current edge when the new route starts there.
	if edges[0] != a.route[0] {
		a.offset = 0
	}
	a.route = append([]string(nil), edges...)
	return nil
}

func (s *Scripted) SetEdgeAllowed(ctx context.Context, edgeID string, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graph.Edge(edgeID); !ok {
		return fmt.Errorf("%w: %s", netgraph.ErrEdgeNotFound, edgeID)
	}
	if open {
		delete(s.closed, edgeID)
	} else {
		s.closed[edgeID] = true
	}
	return nil
}

func (s *Scripted) Connected(ctx context.Context, fromEdge, toEdge string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	closed := func(id string) bool { return s.closed[id] }
	return s.graph.Reachable(fromEdge, toEdge, closed), nil
}
