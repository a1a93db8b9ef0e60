package model

import (
	"testing"
	"time"
)

func TestAgentRemainingStops(t *testing.T) {
	a := &Agent{
		Chain: []Stop{
			{POIID: "home", Status: StopCompleted},
			{POIID: "market", Status: StopInProgress},
			{POIID: "gym", Status: StopPending},
			{POIID: "cafe", Status: StopCancelled},
		},
	}
	remaining := a.RemainingStops()
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want 2 stops", remaining)
	}
	if remaining[0].POIID != "market" || remaining[1].POIID != "gym" {
		t.Fatalf("remaining = %v", remaining)
	}
}

func TestAgentClone(t *testing.T) {
	a := &Agent{
		ID:    "a1",
		Chain: []Stop{{POIID: "market"}},
	}
	cp := a.Clone()
	cp.Chain[0].Status = StopCancelled
	cp.Position.EdgeID = "zz"

	if a.Chain[0].Status != StopPending {
		t.Fatal("clone shares chain memory with the original")
	}
	if a.Position.EdgeID != "" {
		t.Fatal("clone shares position with the original")
	}

	var nilAgent *Agent
	if nilAgent.Clone() != nil {
		t.Fatal("Clone of nil should be nil")
	}
}

func TestEventOverlaps(t *testing.T) {
	start := time.Date(2025, time.June, 2, 18, 0, 0, 0, time.UTC)
	ev := &Event{Start: start, End: start.Add(2 * time.Hour)}

	cases := []struct {
		from, to time.Time
		want     bool
	}{
		{start.Add(-time.Hour), start.Add(time.Hour), true},
		{start.Add(time.Hour), start.Add(3 * time.Hour), true},
		{start.Add(-2 * time.Hour), start, false},
		{start.Add(2 * time.Hour), start.Add(3 * time.Hour), false},
	}
	for i, c := range cases {
		if got := ev.Overlaps(c.from, c.to); got != c.want {
			t.Fatalf("case %d: Overlaps(%v, %v) = %v, want %v", i, c.from, c.to, got, c.want)
		}
	}
}

func TestETAReportDelay(t *testing.T) {
	r := &ETAReport{Current: 40 * time.Second, FreeFlow: 30 * time.Second}
	if r.Delay() != 10*time.Second {
		t.Fatalf("Delay = %v, want 10s", r.Delay())
	}
	var nilReport *ETAReport
	if nilReport.Delay() != 0 {
		t.Fatal("nil report should have zero delay")
	}
}

func TestClosureDeltaEmpty(t *testing.T) {
	if !(ClosureDelta{}).Empty() {
		t.Fatal("zero delta should be empty")
	}
	if (ClosureDelta{Closed: []string{"bc"}}).Empty() {
		t.Fatal("delta with closures should not be empty")
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobSucceeded, JobFailed, JobTimedOut, JobSuperseded}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	for _, s := range []JobState{JobQueued, JobInFlight} {
		if s.Terminal() {
			t.Fatalf("%v should not be terminal", s)
		}
	}
}
