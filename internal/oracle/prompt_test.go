package oracle

import (
	"strings"
	"testing"
	"time"

	"github.com/cityflux/traffic-replanner/model"
)

var simStart = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

func closureRequest() Request {
	return Request{
		AgentID: "a1",
		Context: model.JobContext{
			Trigger:      model.TriggerClosure,
			Demographics: model.Demographics{AgeBand: 34, IncomeBand: "medium", Education: "bachelor", Employment: "employed"},
			RemainingChain: []model.Stop{
				{POIID: "market", PlannedArrival: simStart, PlannedDeparture: simStart.Add(time.Hour)},
			},
			ClosedEdges:  []string{"cd"},
			AffectedPOIs: []string{"market"},
			Alternatives: []model.POIAlternative{{POIID: "shop", Name: "Corner Shop", DistanceM: 220}},
		},
		POINames: map[string]string{"market": "Central Market", "shop": "Corner Shop"},
	}
}

func TestBuildPromptsSystemContract(t *testing.T) {
	system, _ := BuildPrompts(closureRequest())
	for _, want := range []string{"NO_CHANGE", "quarters", "15-minute"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
}

func TestBuildPromptsClosureContext(t *testing.T) {
	_, user := BuildPrompts(closureRequest())

	for _, want := range []string{
		"Central Market: 08:00-09:00 (4 quarters)",
		"Roads cd are closed",
		"Corner Shop (220m away)",
		"age 34, income medium",
	} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestBuildPromptsFallsBackToPOIID(t *testing.T) {
	req := closureRequest()
	req.POINames = nil
	_, user := BuildPrompts(req)
	if !strings.Contains(user, "market: 08:00-09:00") {
		t.Fatalf("user prompt should fall back to the POI ID:\n%s", user)
	}
}

func TestBuildPromptsEventContext(t *testing.T) {
	req := Request{
		AgentID: "a1",
		Context: model.JobContext{
			Trigger: model.TriggerEvent,
			Event: &model.Event{
				ID:    "game",
				Type:  "sports",
				Name:  "Derby Final",
				Start: simStart.Add(2 * time.Hour),
				End:   simStart.Add(4 * time.Hour),
			},
		},
	}
	_, user := BuildPrompts(req)
	for _, want := range []string{"sports event (Derby Final)", "10:00", "12:00"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestBuildPromptsTrafficContext(t *testing.T) {
	req := closureRequest()
	req.Context.ETA = &model.ETAReport{
		AgentID:  "a1",
		Current:  40 * time.Second,
		FreeFlow: 30 * time.Second,
	}
	req.Context.CongestedEdges = []string{"bc", "cd"}

	_, user := BuildPrompts(req)
	if !strings.Contains(user, "10s over free-flow") {
		t.Fatalf("user prompt missing delay summary:\n%s", user)
	}
	if !strings.Contains(user, "2 upcoming road segments") {
		t.Fatalf("user prompt missing congestion summary:\n%s", user)
	}
}

func TestBuildPromptsEmptyChain(t *testing.T) {
	req := Request{AgentID: "a1", Context: model.JobContext{Trigger: model.TriggerOperator}}
	_, user := BuildPrompts(req)
	if !strings.Contains(user, "no remaining activities") {
		t.Fatalf("user prompt missing empty-chain marker:\n%s", user)
	}
}
