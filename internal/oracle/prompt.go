package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/cityflux/traffic-replanner/model"
)

// quarter is the scheduling granularity the oracle answers in.
const quarter = 15 * time.Minute

const systemPrompt = `You are an assistant that revises daily activity chains for travelers in a traffic simulation.
Given the traveler's current chain with timing, demographics, traffic conditions, and the situation, suggest a revised chain that keeps the general purpose of the day.

Respond with ONLY one of:
- The revised chain as a comma-separated list of "POI name:quarters" entries, where one quarter is a 15-minute block. Example: Central Market:8, Riverside Gym:4, Central Market:16
- The exact text NO_CHANGE if the current chain should stay as it is.

Only use POI names from the current chain or from the listed alternatives. Do not add explanations.`

// BuildPrompts renders the system and user prompts for a request.
func BuildPrompts(req Request) (system, user string) {
	var b strings.Builder

	fmt.Fprintf(&b, "Agent ID: %s\n", req.AgentID)
	fmt.Fprintf(&b, "Demographics: %s\n", describeDemographics(req.Context.Demographics))
	fmt.Fprintf(&b, "Current activity chain: %s\n", describeChain(req.Context.RemainingChain, req.POINames))
	fmt.Fprintf(&b, "Traffic conditions: %s\n", describeTraffic(req.Context))
	fmt.Fprintf(&b, "Situation: %s\n", describeSituation(req.Context))
	b.WriteString("Provide the revised chain as comma-separated \"POI name:quarters\" entries, or NO_CHANGE.")

	return systemPrompt, b.String()
}

func describeDemographics(d model.Demographics) string {
	return fmt.Sprintf("age %d, income %s, education %s, employment %s",
		d.AgeBand, orUnknown(d.IncomeBand), orUnknown(d.Education), orUnknown(d.Employment))
}

func describeChain(stops []model.Stop, names map[string]string) string {
	if len(stops) == 0 {
		return "no remaining activities"
	}
	parts := make([]string, 0, len(stops))
	for _, s := range stops {
		name := names[s.POIID]
		if name == "" {
			name = s.POIID
		}
		dur := s.PlannedDeparture.Sub(s.PlannedArrival)
		parts = append(parts, fmt.Sprintf("%s: %s-%s (%d quarters)",
			name,
			s.PlannedArrival.Format("15:04"),
			s.PlannedDeparture.Format("15:04"),
			int(dur/quarter)))
	}
	return strings.Join(parts, " | ")
}

func describeTraffic(c model.JobContext) string {
	var parts []string
	if c.ETA != nil && c.ETA.Delay() > 0 {
		parts = append(parts, fmt.Sprintf("travel to the next stop is running %s over free-flow (%s vs %s)",
			c.ETA.Delay().Round(time.Second), c.ETA.Current.Round(time.Second), c.ETA.FreeFlow.Round(time.Second)))
	}
	if n := len(c.CongestedEdges); n > 0 {
		parts = append(parts, fmt.Sprintf("heavy traffic on %d upcoming road segments", n))
	}
	if len(parts) == 0 {
		return "no significant congestion reported"
	}
	return strings.Join(parts, "; ")
}

func describeSituation(c model.JobContext) string {
	switch c.Trigger {
	case model.TriggerClosure:
		var b strings.Builder
		fmt.Fprintf(&b, "Roads %s are closed.", strings.Join(c.ClosedEdges, ", "))
		if len(c.AffectedPOIs) > 0 {
			fmt.Fprintf(&b, " The following destinations are no longer accessible: %s.", strings.Join(c.AffectedPOIs, ", "))
		}
		if len(c.Alternatives) > 0 {
			alts := make([]string, 0, len(c.Alternatives))
			for _, a := range c.Alternatives {
				alts = append(alts, fmt.Sprintf("%s (%.0fm away)", a.Name, a.DistanceM))
			}
			fmt.Fprintf(&b, " Alternative locations you might consider: %s.", strings.Join(alts, ", "))
		}
		b.WriteString(" Suggest a chain that avoids the closed destinations while keeping the purpose of the trip.")
		return b.String()
	case model.TriggerEvent:
		if ev := c.Event; ev != nil {
			return fmt.Sprintf(
				"A %s event (%s) is happening from %s to %s. Modify the chain so the traveler attends during the event window, rescheduling conflicting activities before or after.",
				ev.Type, ev.Name, ev.Start.Format("15:04"), ev.End.Format("15:04"))
		}
		return "An event invitation was issued; fit attendance into the chain."
	case model.TriggerOperator:
		return "An operator requested this traveler's plan be reconsidered given current conditions."
	}
	return "Review the chain given current conditions."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
