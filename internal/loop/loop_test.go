package loop

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cityflux/traffic-replanner/internal/commit"
	"github.com/cityflux/traffic-replanner/internal/detect"
	"github.com/cityflux/traffic-replanner/internal/dispatch"
	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/eta"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/monitor"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/oracle"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
	"github.com/cityflux/traffic-replanner/timectrl"
)

var simStart = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	tracker *state.Tracker
	eng     *engine.Scripted
	orc     *oracle.Scripted
	hub     *monitor.Hub
	loop    *Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g, err := netgraph.NewGraph([]netgraph.Edge{
		{ID: "ab", From: "A", To: "B", Length: 100, SpeedLimit: 10},
		{ID: "bc", From: "B", To: "C", Length: 100, SpeedLimit: 10},
		{ID: "cd", From: "C", To: "D", Length: 100, SpeedLimit: 10},
		{ID: "bd", From: "B", To: "D", Length: 100, SpeedLimit: 10},
		{ID: "dc", From: "D", To: "C", Length: 100, SpeedLimit: 10},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	log := logging.Noop()
	tracker := state.NewTracker(g, log)
	tracker.SetPOIs([]model.POI{
		{ID: "market", Name: "Central Market", Category: "grocery", AccessEdge: "cd", Lat: 60.170, Lon: 24.940},
		{ID: "shop", Name: "Corner Shop", Category: "grocery", AccessEdge: "bc", Lat: 60.172, Lon: 24.940},
		{ID: "gym", Name: "Riverside Gym", Category: "fitness", AccessEdge: "bd", Lat: 60.168, Lon: 24.945},
	})

	eng := engine.NewScripted(g, 1)
	orc := oracle.NewScripted()
	dispatcher := dispatch.New(orc, dispatch.Options{Workers: 2, Logger: log})
	committer := commit.New(tracker, eng, log)
	detector := detect.NewDetector(g, eng, 500, 3, log)
	estimator := eta.NewEstimator(g, eng)
	hub := monitor.NewHub(log, nil)
	clock := timectrl.NewTimeController(simStart, 15*time.Minute, timectrl.Accelerated)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		hub.Close()
		cancel()
		<-done
	})

	l := New(tracker, eng, detector, estimator, dispatcher, committer, hub, clock, log, Options{})
	return &fixture{tracker: tracker, eng: eng, orc: orc, hub: hub, loop: l}
}

func (f *fixture) addAgent(t *testing.T, id string, stopPOIs ...string) {
	t.Helper()
	a := &model.Agent{
		ID:       id,
		Position: model.Position{EdgeID: "ab"},
	}
	arrival := simStart.Add(30 * time.Minute)
	for _, poi := range stopPOIs {
		a.Chain = append(a.Chain, model.Stop{
			POIID:            poi,
			PlannedArrival:   arrival,
			PlannedDeparture: arrival.Add(time.Hour),
		})
		arrival = arrival.Add(time.Hour)
	}
	if err := f.tracker.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
	if err := f.eng.AddAgent(id, []string{"ab"}); err != nil {
		t.Fatalf("engine AddAgent(%s): %v", id, err)
	}
}

// stepUntil repeatedly steps the loop until cond holds or fails the test.
func (f *fixture) stepUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	simTime := simStart
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never reached while stepping")
		}
		simTime = simTime.Add(time.Second)
		f.loop.Step(ctx, simTime)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClosureTriggersAdaptation(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")
	f.orc.Script("a1", oracle.Response{
		Chain: []model.ProposedStop{{POIName: "Corner Shop", Quarters: 4}},
	})

	delta, stranded := f.loop.CloseRoads(context.Background(), []string{"cd"})
	if len(delta.Closed) != 1 {
		t.Fatalf("delta = %+v", delta)
	}
	// The market's access edge is the closed edge, so until the adaptation
	// commits the agent has no reachable stop left.
	if len(stranded) != 1 || stranded[0] != "a1" {
		t.Fatalf("stranded = %v, want [a1]", stranded)
	}

	// The oracle call and commit happen across ticks.
	f.stepUntil(t, func() bool {
		a, err := f.tracker.Agent("a1")
		return err == nil && a.Version == 1
	})

	a, _ := f.tracker.Agent("a1")
	if len(a.Chain) != 1 || a.Chain[0].POIID != "shop" {
		t.Fatalf("chain = %+v, want the shop substitute", a.Chain)
	}
	if a.Stranded {
		t.Fatal("agent still stranded after committing a reachable chain")
	}

	// The oracle saw the closure context with the alternative listed.
	calls := f.orc.Calls()
	if len(calls) != 1 {
		t.Fatalf("oracle calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Context.Trigger != model.TriggerClosure {
		t.Fatalf("trigger = %v", req.Context.Trigger)
	}
	if len(req.Context.Alternatives) != 1 || req.Context.Alternatives[0].POIID != "shop" {
		t.Fatalf("alternatives = %+v", req.Context.Alternatives)
	}

	// The engine route now heads for the shop.
	route, err := f.eng.RemainingRoute(context.Background(), "a1")
	if err != nil {
		t.Fatalf("RemainingRoute: %v", err)
	}
	if route[len(route)-1] != "bc" {
		t.Fatalf("route = %v, want it to end at bc", route)
	}

	// The engine no longer carries traffic on the closed edge.
	if ok, _ := f.eng.Connected(context.Background(), "bc", "cd"); ok {
		t.Fatal("cd still traversable in the engine")
	}
}

func TestClosureStrandsAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")

	_, stranded := f.loop.CloseRoads(context.Background(), []string{"bc", "bd", "cd"})
	if len(stranded) != 1 || stranded[0] != "a1" {
		t.Fatalf("stranded = %v, want [a1]", stranded)
	}

	delta := f.loop.ReopenAllRoads(context.Background())
	if len(delta.Reopened) != 3 {
		t.Fatalf("reopened = %v", delta.Reopened)
	}
	a, _ := f.tracker.Agent("a1")
	if a.Stranded {
		t.Fatal("agent still stranded after reopening")
	}
}

func TestNoChangeKeepsChain(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")
	// Unscripted agents answer NO_CHANGE.

	f.loop.CloseRoads(context.Background(), []string{"cd"})

	// Wait for the job to resolve, then confirm nothing moved.
	f.stepUntil(t, func() bool { return len(f.orc.Calls()) == 1 })
	f.stepUntil(t, func() bool {
		return !f.loop.dispatcher.InFlight("a1")
	})

	a, _ := f.tracker.Agent("a1")
	if a.Version != 0 || a.Chain[0].POIID != "market" {
		t.Fatalf("agent changed on NO_CHANGE: %+v", a)
	}
}

func TestScheduleEventInvitesAttendees(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")
	f.addAgent(t, "a2", "market")

	ev := &model.Event{
		ID:       "game",
		Type:     "sports",
		Name:     "Derby Final",
		POIID:    "gym",
		Lat:      60.168,
		Lon:      24.945,
		Start:    simStart,
		End:      simStart.Add(3 * time.Hour),
		Capacity: 1,
	}
	f.loop.Step(context.Background(), simStart)
	if err := f.loop.ScheduleEvent(context.Background(), ev); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}

	// Capacity bounds the invitations.
	f.stepUntil(t, func() bool { return len(f.orc.Calls()) == 1 })
	req := f.orc.Calls()[0]
	if req.Context.Trigger != model.TriggerEvent {
		t.Fatalf("trigger = %v", req.Context.Trigger)
	}
	if req.Context.Event == nil || req.Context.Event.ID != "game" {
		t.Fatalf("event context = %+v", req.Context.Event)
	}

	if len(f.tracker.Snapshot().Events) != 1 {
		t.Fatal("event not registered")
	}
	// Duplicate IDs are refused.
	if err := f.loop.ScheduleEvent(context.Background(), ev); err == nil {
		t.Fatal("duplicate event accepted")
	}
}

func TestEventExpiresAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")

	ev := &model.Event{
		ID:    "game",
		Type:  "sports",
		POIID: "gym",
		Start: simStart,
		End:   simStart.Add(time.Hour),
	}
	f.loop.Step(context.Background(), simStart)
	if err := f.loop.ScheduleEvent(context.Background(), ev); err != nil {
		t.Fatalf("ScheduleEvent: %v", err)
	}

	f.loop.Step(context.Background(), simStart.Add(2*time.Hour))
	if len(f.tracker.Snapshot().Events) != 0 {
		t.Fatal("expired event still registered")
	}
}

func TestOperatorCommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "market")

	srv := httptest.NewServer(f.hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "close_roads", "edges": []string{"cd"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The next tick drains and executes the command.
	f.stepUntil(t, func() bool {
		return f.tracker.EdgeState("cd") == model.EdgeClosed
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env monitor.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type != monitor.MsgAck {
			continue // tick and closure frames interleave with the ack
		}
		if env.Ack.Cmd != monitor.CmdCloseRoads || env.Ack.Status != "ok" {
			t.Fatalf("ack = %+v", env.Ack)
		}
		return
	}
}

func TestTelemetryPopulatedFromEstimates(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "gym")
	if err := f.eng.SetRoute(context.Background(), "a1", []string{"ab", "bd"}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	f.eng.SetEdgeSpeed("bd", 2)
	f.eng.SetOccupancy("bd", 0.9)

	// Closing the gym's access edge triggers an adaptation job, and the ETA
	// pass records what the engine observed along the agent's route.
	f.loop.CloseRoads(context.Background(), []string{"bd"})

	f.stepUntil(t, func() bool { return len(f.orc.Calls()) == 1 })

	tele := f.loop.Telemetry()
	if tele.Delay("a1") == nil {
		t.Fatal("no delay telemetry recorded for a1")
	}
	congested := tele.CongestedEdges(0.5)
	if len(congested) != 1 || congested[0] != "bd" {
		t.Fatalf("congested = %v, want [bd]", congested)
	}
	req := f.orc.Calls()[0]
	if len(req.Context.CongestedEdges) == 0 {
		t.Fatalf("oracle context missing congestion: %+v", req.Context)
	}
}
