package detect

import (
	"context"
	"testing"
	"time"

	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

var simStart = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

func testGraph(t *testing.T) *netgraph.Graph {
	t.Helper()
	g, err := netgraph.NewGraph([]netgraph.Edge{
		{ID: "ab", From: "A", To: "B", Length: 100, SpeedLimit: 10},
		{ID: "bc", From: "B", To: "C", Length: 100, SpeedLimit: 10},
		{ID: "cd", From: "C", To: "D", Length: 100, SpeedLimit: 10},
		{ID: "bd", From: "B", To: "D", Length: 100, SpeedLimit: 10},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

// POIs: market and shop share a category and sit about 220 m apart; the deli
// is the same category but several kilometres away.
func testPOIs() []model.POI {
	return []model.POI{
		{ID: "market", Name: "Central Market", Category: "grocery", AccessEdge: "cd", Lat: 60.170, Lon: 24.940},
		{ID: "shop", Name: "Corner Shop", Category: "grocery", AccessEdge: "bc", Lat: 60.172, Lon: 24.940},
		{ID: "deli", Name: "Harbour Deli", Category: "grocery", AccessEdge: "ab", Lat: 60.230, Lon: 24.940},
		{ID: "gym", Name: "Riverside Gym", Category: "fitness", AccessEdge: "bd", Lat: 60.168, Lon: 24.945},
	}
}

func setup(t *testing.T) (*state.Tracker, *engine.Scripted, *Detector) {
	t.Helper()
	g := testGraph(t)
	eng := engine.NewScripted(g, 1)
	tr := state.NewTracker(g, logging.Noop())
	tr.SetPOIs(testPOIs())
	tr.AdvanceTick(simStart)
	det := NewDetector(g, eng, 500, 3, logging.Noop())
	return tr, eng, det
}

func addAgent(t *testing.T, tr *state.Tracker, id, edge string, stopPOIs ...string) {
	t.Helper()
	a := &model.Agent{ID: id, Position: model.Position{EdgeID: edge}}
	arrival := simStart
	for _, poi := range stopPOIs {
		a.Chain = append(a.Chain, model.Stop{
			POIID:            poi,
			PlannedArrival:   arrival,
			PlannedDeparture: arrival.Add(time.Hour),
		})
		arrival = arrival.Add(time.Hour)
	}
	if err := tr.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func TestForClosureFindsAgentsByStopAccess(t *testing.T) {
	ctx := context.Background()
	tr, _, det := setup(t)

	addAgent(t, tr, "a1", "ab", "market") // heads to the closed edge
	addAgent(t, tr, "a2", "ab", "gym")    // unaffected

	delta, _ := tr.CloseEdges([]string{"cd"})
	impact := det.ForClosure(ctx, tr.Snapshot(), delta)

	if len(impact.AgentIDs) != 1 || impact.AgentIDs[0] != "a1" {
		t.Fatalf("AgentIDs = %v, want [a1]", impact.AgentIDs)
	}
	if len(impact.POIIDs) != 1 || impact.POIIDs[0] != "market" {
		t.Fatalf("POIIDs = %v, want [market]", impact.POIIDs)
	}
}

func TestForClosureFindsAgentsByRoute(t *testing.T) {
	ctx := context.Background()
	tr, eng, det := setup(t)

	// The gym stop is untouched but the planned route runs through bc.
	addAgent(t, tr, "a1", "ab", "gym")
	if err := eng.AddAgent("a1", []string{"ab", "bc", "cd"}); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := tr.ObserveAgent("a1", model.Position{EdgeID: "ab"}, true); err != nil {
		t.Fatalf("ObserveAgent: %v", err)
	}

	delta, _ := tr.CloseEdges([]string{"bc"})
	impact := det.ForClosure(ctx, tr.Snapshot(), delta)

	if len(impact.AgentIDs) != 1 || impact.AgentIDs[0] != "a1" {
		t.Fatalf("AgentIDs = %v, want [a1]", impact.AgentIDs)
	}
}

func TestForClosurePendingAgentRouteIgnored(t *testing.T) {
	ctx := context.Background()
	tr, _, det := setup(t)

	// Not departed and no stop behind the closed edge.
	addAgent(t, tr, "a1", "ab", "gym")

	delta, _ := tr.CloseEdges([]string{"bc"})
	impact := det.ForClosure(ctx, tr.Snapshot(), delta)
	if len(impact.AgentIDs) != 0 {
		t.Fatalf("AgentIDs = %v, want none", impact.AgentIDs)
	}
}

func TestForClosureAlternatives(t *testing.T) {
	ctx := context.Background()
	tr, _, det := setup(t)
	addAgent(t, tr, "a1", "ab", "market")

	delta, _ := tr.CloseEdges([]string{"cd"})
	impact := det.ForClosure(ctx, tr.Snapshot(), delta)

	alts := impact.Alternatives["market"]
	if len(alts) != 1 {
		t.Fatalf("alternatives = %v, want only the nearby shop", alts)
	}
	if alts[0].POIID != "shop" {
		t.Fatalf("alternative = %+v, want shop", alts[0])
	}
	if alts[0].DistanceM <= 0 || alts[0].DistanceM > 500 {
		t.Fatalf("alternative distance = %.0f m, want within radius", alts[0].DistanceM)
	}
}

func TestForClosureAlternativesExcludeClosedAccess(t *testing.T) {
	ctx := context.Background()
	tr, _, det := setup(t)
	addAgent(t, tr, "a1", "ab", "market")

	// Closing both edges leaves no open same-category POI in range.
	delta, _ := tr.CloseEdges([]string{"cd", "bc"})
	impact := det.ForClosure(ctx, tr.Snapshot(), delta)

	if alts := impact.Alternatives["market"]; len(alts) != 0 {
		t.Fatalf("alternatives = %v, want none", alts)
	}
}

func TestForEventCandidates(t *testing.T) {
	tr, _, det := setup(t)

	addAgent(t, tr, "a1", "ab", "market")        // window 08:00-09:00
	addAgent(t, tr, "a2", "ab", "market", "gym") // window 08:00-10:00

	// Event starts after a1's day ends.
	ev := &model.Event{
		ID:    "game",
		Type:  "sports",
		Start: simStart.Add(90 * time.Minute),
		End:   simStart.Add(4 * time.Hour),
	}
	got := det.ForEvent(tr.Snapshot(), ev)
	if len(got) != 1 || got[0] != "a2" {
		t.Fatalf("candidates = %v, want [a2]", got)
	}
}

func TestForClosureEmptyDelta(t *testing.T) {
	ctx := context.Background()
	tr, _, det := setup(t)
	addAgent(t, tr, "a1", "ab", "market")

	impact := det.ForClosure(ctx, tr.Snapshot(), model.ClosureDelta{})
	if len(impact.AgentIDs) != 0 || len(impact.POIIDs) != 0 {
		t.Fatalf("impact for empty delta = %+v", impact)
	}
}
