// Telemetry is the concurrency-safe store for observed traffic conditions,
// kept separate from the tracker so readers never contend with the stepping
// loop's write lock.
package state

import (
	"sync"
	"time"

	"github.com/cityflux/traffic-replanner/model"
)

// EdgeTelemetry is the last observed traffic condition on one edge.
type EdgeTelemetry struct {
	EdgeID      string
	MeanSpeed   float64
	Occupancy   float64
	SampleCount int
	ObservedAt  time.Time
}

// DelayTelemetry is the last ETA comparison computed for one agent.
type DelayTelemetry struct {
	AgentID    string
	TargetID   string
	Delay      time.Duration
	ObservedAt time.Time
}

// TelemetryState stores per-edge and per-agent traffic observations.
type TelemetryState struct {
	mu     sync.RWMutex
	edges  map[string]*EdgeTelemetry
	delays map[string]*DelayTelemetry
}

// NewTelemetryState creates an empty store.
func NewTelemetryState() *TelemetryState {
	return &TelemetryState{
		edges:  make(map[string]*EdgeTelemetry),
		delays: make(map[string]*DelayTelemetry),
	}
}

// UpdateEdge stores an edge observation. A copy is kept so callers cannot
// mutate internal state.
func (t *TelemetryState) UpdateEdge(m EdgeTelemetry) {
	if m.EdgeID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := m
	t.edges[m.EdgeID] = &cp
}

// Edge retrieves the last observation for an edge, nil when never observed.
func (t *TelemetryState) Edge(edgeID string) *EdgeTelemetry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.edges[edgeID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// CongestedEdges lists edges whose last observation exceeded the occupancy
// threshold.
func (t *TelemetryState) CongestedEdges(threshold float64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, m := range t.edges {
		if m.Occupancy > threshold {
			out = append(out, id)
		}
	}
	return out
}

// UpdateDelay stores an agent's latest ETA comparison.
func (t *TelemetryState) UpdateDelay(report *model.ETAReport, observedAt time.Time) {
	if report == nil || report.AgentID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays[report.AgentID] = &DelayTelemetry{
		AgentID:    report.AgentID,
		TargetID:   report.TargetID,
		Delay:      report.Delay(),
		ObservedAt: observedAt,
	}
}

// Delay retrieves an agent's last ETA comparison, nil when never computed.
func (t *TelemetryState) Delay(agentID string) *DelayTelemetry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.delays[agentID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}
