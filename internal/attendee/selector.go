// Package attendee scores candidate agents for an event and selects the top
// scorers under the event's capacity bound.
package attendee

import (
	"sort"
	"strings"

	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

// ageBand is a half-open [Min, Max) age range with its affinity factor.
type ageBand struct {
	Min, Max int
	Factor   float64
}

// affinity is the weight table entry for one event type.
type affinity struct {
	Base    float64
	Ages    []ageBand
	Genders map[string]float64
	Incomes map[string]float64
}

// affinityTable keys event type to its demographic weights. Values follow
// the calibration of the original attendance model.
var affinityTable = map[string]affinity{
	"sports": {
		Base: 0.7,
		Ages: []ageBand{
			{0, 16, 0.5},
			{16, 19, 0.990},
			{19, 30, 1.002},
			{30, 50, 1.006},
			{50, 60, 1.003},
			{60, 200, 1.0001},
		},
		Genders: map[string]float64{"male": 1.002, "female": 0.998},
	},
	"entertainment": {
		Base: 0.8,
		Ages: []ageBand{
			{0, 16, 0.900},
			{16, 18, 0.990},
			{18, 35, 1.008},
			{35, 70, 0.992},
			{70, 200, 0.990},
		},
		Incomes: map[string]float64{"low": 1.0, "medium": 1.0, "high": 1.2},
	},
}

const (
	defaultBase = 0.5
	// proximityWeight scales the inverse-distance term added to the
	// demographic affinity.
	proximityWeight = 0.1
)

// Selection is the outcome of selecting attendees for one event.
type Selection struct {
	// AgentIDs are the selected agents, ranked by score descending with
	// id-ascending tie-breaks.
	AgentIDs []string
	// Scores records the interest score per selected agent.
	Scores map[string]float64
	// Insufficient is set when fewer candidates than capacity were
	// available. A reported outcome, not an error.
	Insufficient bool
}

// Select ranks candidateIDs by interest in ev and returns at most
// ev.Capacity of them.
func Select(snap *state.Snapshot, ev *model.Event, candidateIDs []string) Selection {
	type scored struct {
		id    string
		score float64
	}

	ranked := make([]scored, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		agent := snap.Agent(id)
		if agent == nil {
			continue
		}
		ranked = append(ranked, scored{id: id, score: Score(snap, ev, agent)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	capacity := ev.Capacity
	if capacity <= 0 || capacity > len(ranked) {
		capacity = len(ranked)
	}

	sel := Selection{
		Scores:       make(map[string]float64, capacity),
		Insufficient: ev.Capacity > len(ranked),
	}
	for _, r := range ranked[:capacity] {
		sel.AgentIDs = append(sel.AgentIDs, r.id)
		sel.Scores[r.id] = r.score
	}
	return sel
}

// Score computes an agent's interest in an event: the demographic affinity
// from the weight table plus an inverse-distance proximity term measured
// from the agent's next planned stop (or first stop when pending).
func Score(snap *state.Snapshot, ev *model.Event, agent *model.Agent) float64 {
	aff, ok := affinityTable[strings.ToLower(ev.Type)]
	if !ok {
		aff = affinity{Base: defaultBase}
	}

	score := aff.Base
	age := agent.Demographics.AgeBand
	for _, band := range aff.Ages {
		if age >= band.Min && age < band.Max {
			score *= band.Factor
			break
		}
	}
	if f, ok := aff.Genders[strings.ToLower(agent.Demographics.Gender)]; ok {
		score *= f
	}
	if f, ok := aff.Incomes[strings.ToLower(agent.Demographics.IncomeBand)]; ok {
		score *= f
	}

	if lat, lon, ok := agentAnchor(snap, agent); ok {
		distKm := netgraph.HaversineM(lat, lon, ev.Lat, ev.Lon) / 1000
		score += proximityWeight / (1 + distKm)
	}
	return score
}

// agentAnchor picks the coordinates used for the proximity term: the next
// remaining stop's POI, falling back to the first stop of the chain.
func agentAnchor(snap *state.Snapshot, agent *model.Agent) (lat, lon float64, ok bool) {
	if remaining := agent.RemainingStops(); len(remaining) > 0 {
		if poi, found := snap.POIs[remaining[0].POIID]; found {
			return poi.Lat, poi.Lon, true
		}
	}
	if len(agent.Chain) > 0 {
		if poi, found := snap.POIs[agent.Chain[0].POIID]; found {
			return poi.Lat, poi.Lon, true
		}
	}
	return 0, 0, false
}
