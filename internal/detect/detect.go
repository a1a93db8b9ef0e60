// Package detect finds the agents and POIs impacted by a road-closure delta
// or an event. Results are deterministic: agent lists are sorted ascending
// and alternative POIs are ranked by distance with ID tie-breaks, so
// identical inputs always produce identical dispatch sets.
package detect

import (
	"context"
	"sort"

	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

// Detector evaluates closure deltas and events against a state snapshot.
type Detector struct {
	graph *netgraph.Graph
	eng   engine.Client
	log   logging.Logger

	// alternativesRadiusM bounds the outward search for substitute POIs.
	alternativesRadiusM float64
	// maxAlternatives caps how many substitutes are reported per POI.
	maxAlternatives int
}

// NewDetector builds a detector. radiusM <= 0 disables alternative search.
func NewDetector(graph *netgraph.Graph, eng engine.Client, radiusM float64, maxAlternatives int, log logging.Logger) *Detector {
	if log == nil {
		log = logging.Noop()
	}
	if maxAlternatives <= 0 {
		maxAlternatives = 3
	}
	return &Detector{
		graph:               graph,
		eng:                 eng,
		log:                 log,
		alternativesRadiusM: radiusM,
		maxAlternatives:     maxAlternatives,
	}
}

// ClosureImpact is the outcome of evaluating one closure delta.
type ClosureImpact struct {
	// AgentIDs lists impacted agents in ascending order.
	AgentIDs []string
	// POIIDs lists POIs whose access edge is in the closed set, ascending.
	POIIDs []string
	// Alternatives maps each affected POI to ranked open substitutes of the
	// same category within the configured radius.
	Alternatives map[string][]model.POIAlternative
}

// ForClosure returns the agents and POIs affected by the newly closed edges
// in delta. An agent is affected when any edge of its remaining planned
// route, or any remaining stop's access edge, is in the closed set.
func (d *Detector) ForClosure(ctx context.Context, snap *state.Snapshot, delta model.ClosureDelta) ClosureImpact {
	impact := ClosureImpact{Alternatives: make(map[string][]model.POIAlternative)}
	if len(delta.Closed) == 0 {
		return impact
	}

	closedSet := make(map[string]bool, len(delta.Closed))
	for _, e := range delta.Closed {
		closedSet[e] = true
	}

	for _, agent := range snap.Agents {
		if d.agentAffected(ctx, snap, agent, closedSet) {
			impact.AgentIDs = append(impact.AgentIDs, agent.ID)
		}
	}
	sort.Strings(impact.AgentIDs)

	for _, poi := range sortedPOIs(snap.POIs) {
		if !closedSet[poi.AccessEdge] {
			continue
		}
		impact.POIIDs = append(impact.POIIDs, poi.ID)
		if alts := d.alternativesFor(snap, poi); len(alts) > 0 {
			impact.Alternatives[poi.ID] = alts
		}
	}
	return impact
}

func (d *Detector) agentAffected(ctx context.Context, snap *state.Snapshot, agent *model.Agent, closedSet map[string]bool) bool {
	// Remaining stops whose access edge is now closed.
	for _, s := range agent.RemainingStops() {
		poi, ok := snap.POIs[s.POIID]
		if !ok {
			continue
		}
		if closedSet[poi.AccessEdge] {
			return true
		}
	}

	// Remaining planned route through a closed edge. Pending agents have no
	// engine route yet; their stop access edges above already cover them.
	if !agent.Departed {
		return false
	}
	route, err := d.eng.RemainingRoute(ctx, agent.ID)
	if err != nil {
		d.log.Debug(ctx, "no remaining route for agent", logging.String("agent", agent.ID), logging.Err(err))
		return false
	}
	for _, e := range route {
		if closedSet[e] {
			return true
		}
	}
	return false
}

// alternativesFor searches outward from a closed POI for open POIs of the
// same category within the radius, ranked nearest first.
func (d *Detector) alternativesFor(snap *state.Snapshot, closedPOI model.POI) []model.POIAlternative {
	if d.alternativesRadiusM <= 0 {
		return nil
	}
	var alts []model.POIAlternative
	for _, cand := range snap.POIs {
		if cand.ID == closedPOI.ID || cand.Category != closedPOI.Category {
			continue
		}
		if snap.ClosedEdges[cand.AccessEdge] {
			continue
		}
		dist := netgraph.HaversineM(closedPOI.Lat, closedPOI.Lon, cand.Lat, cand.Lon)
		if dist > d.alternativesRadiusM {
			continue
		}
		alts = append(alts, model.POIAlternative{POIID: cand.ID, Name: cand.Name, DistanceM: dist})
	}
	sort.Slice(alts, func(i, j int) bool {
		if alts[i].DistanceM != alts[j].DistanceM {
			return alts[i].DistanceM < alts[j].DistanceM
		}
		return alts[i].POIID < alts[j].POIID
	})
	if len(alts) > d.maxAlternatives {
		alts = alts[:d.maxAlternatives]
	}
	return alts
}

// ForEvent returns the candidate agents for an event: every agent whose
// remaining schedule window overlaps the event window. Scoring and capacity
// selection happen in the attendee selector.
func (d *Detector) ForEvent(snap *state.Snapshot, ev *model.Event) []string {
	var candidates []string
	for _, agent := range snap.Agents {
		remaining := agent.RemainingStops()
		if len(remaining) == 0 {
			continue
		}
		windowEnd := remaining[len(remaining)-1].PlannedDeparture
		if ev.Overlaps(snap.SimTime, windowEnd) {
			candidates = append(candidates, agent.ID)
		}
	}
	sort.Strings(candidates)
	return candidates
}

func sortedPOIs(pois map[string]model.POI) []model.POI {
	out := make([]model.POI, 0, len(pois))
	for _, p := range pois {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
