package state

import (
	"context"

	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/model"
)

// CloseEdges transitions the listed edges to Closed. Edges already closed
// are skipped (idempotent); unknown edges are ignored with a warning. The
// returned delta carries only the edges that actually transitioned, and the
// second return lists agents newly flagged Stranded by this closure.
func (t *Tracker) CloseEdges(edgeIDs []string) (model.ClosureDelta, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := model.ClosureDelta{Tick: t.tick}
	for _, id := range edgeIDs {
		if _, ok := t.graph.Edge(id); !ok {
			t.log.Warn(context.Background(), "ignoring closure of unknown edge", logging.String("edge", id))
			continue
		}
		if t.closed[id] {
			continue
		}
		t.closed[id] = true
		delta.Closed = append(delta.Closed, id)
	}

	var stranded []string
	if len(delta.Closed) > 0 {
		t.closures = append(t.closures, model.RoadClosure{Edges: delta.Closed, ClosedAt: t.simTime})
		stranded = t.refreshStrandedLocked()
	}
	t.updateMetricsLocked()
	return delta, stranded
}

// ReopenEdges transitions the listed edges back to Open, idempotently.
func (t *Tracker) ReopenEdges(edgeIDs []string) model.ClosureDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := model.ClosureDelta{Tick: t.tick}
	for _, id := range edgeIDs {
		if !t.closed[id] {
			continue
		}
		delete(t.closed, id)
		delta.Reopened = append(delta.Reopened, id)
	}
	if len(delta.Reopened) > 0 {
		t.markReopenedLocked(delta.Reopened)
		t.refreshStrandedLocked()
	}
	t.updateMetricsLocked()
	return delta
}

// ReopenAll resets every edge to Open.
func (t *Tracker) ReopenAll() model.ClosureDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := model.ClosureDelta{Tick: t.tick}
	for id, c := range t.closed {
		if c {
			delta.Reopened = append(delta.Reopened, id)
		}
	}
	t.closed = make(map[string]bool)
	if len(delta.Reopened) > 0 {
		t.markReopenedLocked(delta.Reopened)
		t.refreshStrandedLocked()
	}
	t.updateMetricsLocked()
	return delta
}

// EdgeState returns the closure state for an edge.
func (t *Tracker) EdgeState(edgeID string) model.EdgeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed[edgeID] {
		return model.EdgeClosed
	}
	return model.EdgeOpen
}

// ClosedEdges returns the currently closed edge set as a sorted-free map copy.
func (t *Tracker) ClosedEdges() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.closed))
	for id, c := range t.closed {
		if c {
			out[id] = true
		}
	}
	return out
}

func (t *Tracker) markReopenedLocked(edges []string) {
	for i := range t.closures {
		c := &t.closures[i]
		if !c.ReopenedAt.IsZero() {
			continue
		}
		open := true
		for _, e := range c.Edges {
			if t.closed[e] {
				open = false
				break
			}
		}
		if open {
			c.ReopenedAt = t.simTime
		}
	}
}

// refreshStrandedLocked re-derives the Stranded flag for every agent: an
// agent is stranded when none of its remaining stops is reachable from its
// current position through open edges. Closing an edge never fails; the
// stranded agents are surfaced for operator attention instead.
func (t *Tracker) refreshStrandedLocked() []string {
	closed := func(id string) bool { return t.closed[id] }
	var newly []string
	for _, a := range t.agents {
		remaining := a.RemainingStops()
		if len(remaining) == 0 || a.Position.EdgeID == "" {
			a.Stranded = false
			continue
		}
		reachable := false
		for _, s := range remaining {
			poi, ok := t.pois[s.POIID]
			if !ok {
				continue
			}
			if t.graph.Reachable(a.Position.EdgeID, poi.AccessEdge, closed) {
				reachable = true
				break
			}
		}
		if !reachable && !a.Stranded {
			newly = append(newly, a.ID)
		}
		a.Stranded = !reachable
	}
	return newly
}
