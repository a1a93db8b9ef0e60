package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

func testGraph(t *testing.T) *netgraph.Graph {
	t.Helper()
	g, err := netgraph.NewGraph([]netgraph.Edge{
		{ID: "ab", From: "A", To: "B", Length: 100, SpeedLimit: 10},
		{ID: "bc", From: "B", To: "C", Length: 100, SpeedLimit: 10},
		{ID: "cd", From: "C", To: "D", Length: 100, SpeedLimit: 10},
		{ID: "xx", From: "B", To: "C", Length: 10, SpeedLimit: 10, Internal: true},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

func setup(t *testing.T) (*state.Tracker, *engine.Scripted, *Estimator) {
	t.Helper()
	g := testGraph(t)
	eng := engine.NewScripted(g, 1)
	tr := state.NewTracker(g, logging.Noop())
	tr.AdvanceTick(time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC))
	return tr, eng, NewEstimator(g, eng)
}

func TestEstimateUsesEngineRoute(t *testing.T) {
	ctx := context.Background()
	tr, eng, est := setup(t)

	if err := eng.AddAgent("a1", []string{"ab", "bc", "cd"}); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := tr.CreateAgent(&model.Agent{ID: "a1", Position: model.Position{EdgeID: "ab"}}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	report, err := est.Estimate(ctx, tr.Snapshot(), "a1", "cd")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	// Three 100 m edges at 10 m/s free flow.
	if report.FreeFlow != 30*time.Second {
		t.Fatalf("FreeFlow = %v, want 30s", report.FreeFlow)
	}
	if report.Current != 30*time.Second || report.Delay() != 0 {
		t.Fatalf("Current = %v, Delay = %v, want free flow", report.Current, report.Delay())
	}
	for _, e := range report.Edges {
		if e.Observed {
			t.Fatalf("edge %s marked observed without samples", e.EdgeID)
		}
	}
}

func TestEstimateAppliesObservedSpeeds(t *testing.T) {
	ctx := context.Background()
	tr, eng, est := setup(t)

	if err := eng.AddAgent("a1", []string{"ab", "bc", "cd"}); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := tr.CreateAgent(&model.Agent{ID: "a1", Position: model.Position{EdgeID: "ab"}}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	eng.SetEdgeSpeed("bc", 5) // 20s instead of 10s

	report, err := est.Estimate(ctx, tr.Snapshot(), "a1", "cd")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if report.Current != 40*time.Second {
		t.Fatalf("Current = %v, want 40s", report.Current)
	}
	if report.Delay() != 10*time.Second {
		t.Fatalf("Delay = %v, want 10s", report.Delay())
	}

	observed := 0
	for _, e := range report.Edges {
		if e.Observed {
			observed++
			if e.EdgeID != "bc" {
				t.Fatalf("observed edge = %s, want bc", e.EdgeID)
			}
		}
	}
	if observed != 1 {
		t.Fatalf("observed edges = %d, want 1", observed)
	}
}

func TestEstimateFallsBackToGraphSearch(t *testing.T) {
	ctx := context.Background()
	tr, _, est := setup(t)

	// The engine has never seen the agent; the graph search takes over.
	if err := tr.CreateAgent(&model.Agent{ID: "a1", Position: model.Position{EdgeID: "ab"}}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	report, err := est.Estimate(ctx, tr.Snapshot(), "a1", "cd")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if report.FreeFlow != 30*time.Second {
		t.Fatalf("FreeFlow = %v, want 30s", report.FreeFlow)
	}
}

func TestEstimateSkipsInternalEdges(t *testing.T) {
	ctx := context.Background()
	tr, eng, est := setup(t)

	if err := eng.AddAgent("a1", []string{"ab", "xx", "cd"}); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := tr.CreateAgent(&model.Agent{ID: "a1", Position: model.Position{EdgeID: "ab"}}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	report, err := est.Estimate(ctx, tr.Snapshot(), "a1", "cd")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	// Only ab and cd count; the junction connector contributes nothing.
	if report.FreeFlow != 20*time.Second {
		t.Fatalf("FreeFlow = %v, want 20s", report.FreeFlow)
	}
}

func TestEstimateUnreachableTarget(t *testing.T) {
	ctx := context.Background()
	tr, _, est := setup(t)

	if err := tr.CreateAgent(&model.Agent{ID: "a1", Position: model.Position{EdgeID: "ab"}}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	tr.CloseEdges([]string{"cd"})

	if _, err := est.Estimate(ctx, tr.Snapshot(), "a1", "cd"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err = %v, want ErrUnknownTarget", err)
	}
}

func TestEstimateUnknownAgent(t *testing.T) {
	ctx := context.Background()
	tr, _, est := setup(t)
	if _, err := est.Estimate(ctx, tr.Snapshot(), "ghost", "cd"); !errors.Is(err, state.ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}
