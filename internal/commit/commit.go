// Package commit applies oracle results to tracker state and the engine.
//
// Results are validated against the world as it is now, not as it was when
// the job was dispatched: the agent version must still match, every proposed
// POI must resolve, and its access edge must be reachable over open edges.
// Anything else is dropped with a counter bump and the agent keeps its
// current chain.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
)

const stopQuarter = 15 * time.Minute

// Outcome classifies what happened to one result.
type Outcome int

const (
	// Applied means the agent's chain and engine route were replaced.
	Applied Outcome = iota
	// NoChange means the oracle explicitly kept the current chain.
	NoChange
	// Discarded means the result was terminal but unusable: superseded,
	// failed, timed out, or the job errored upstream.
	Discarded
	// Stale means the agent's version moved past the job's snapshot.
	Stale
	// Rejected means the proposed chain failed validation.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NoChange:
		return "no_change"
	case Discarded:
		return "discarded"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Metrics receives commit outcome counts.
type Metrics interface {
	CommitOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) CommitOutcome(string) {}

// Journal records applied chain replacements. The persistence layer
// implements it; tests use the in-memory fake.
type Journal interface {
	RecordRevision(ctx context.Context, agentID string, tick uint64, stops []model.Stop) error
}

// Committer validates and applies job results on the stepping loop.
type Committer struct {
	tracker *state.Tracker
	graph   *netgraph.Graph
	eng     engine.Client
	journal Journal
	metrics Metrics
	log     logging.Logger
}

type Option func(*Committer)

func WithJournal(j Journal) Option {
	return func(c *Committer) { c.journal = j }
}

func WithMetrics(m Metrics) Option {
	return func(c *Committer) { c.metrics = m }
}

func New(tracker *state.Tracker, eng engine.Client, log logging.Logger, opts ...Option) *Committer {
	c := &Committer{
		tracker: tracker,
		graph:   tracker.Graph(),
		eng:     eng,
		metrics: noopMetrics{},
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply handles one terminal job result and reports the outcome. It never
// returns an error for rejected or stale results; those are expected flow.
func (c *Committer) Apply(ctx context.Context, res model.JobResult) (Outcome, error) {
	job := res.Job
	ctx, log := logging.WithJobLogger(ctx, c.log, job.ID)

	if job.State != model.JobSucceeded {
		c.metrics.CommitOutcome(Discarded.String())
		return Discarded, nil
	}
	if res.NoChange {
		c.metrics.CommitOutcome(NoChange.String())
		log.Info(ctx, "oracle kept current chain", logging.String("agent", job.AgentID))
		return NoChange, nil
	}

	agent, err := c.tracker.Agent(job.AgentID)
	if err != nil {
		// The agent left the scenario while the job was in flight.
		c.metrics.CommitOutcome(Discarded.String())
		return Discarded, nil
	}
	if agent.Version != job.AgentVersion {
		c.metrics.CommitOutcome(Stale.String())
		log.Info(ctx, "discarding stale result",
			logging.String("agent", job.AgentID),
			logging.Uint64("job_version", job.AgentVersion),
			logging.Uint64("agent_version", agent.Version))
		return Stale, nil
	}

	stops, route, err := c.buildChain(agent, res.Chain)
	if err != nil {
		c.metrics.CommitOutcome(Rejected.String())
		log.Warn(ctx, "rejecting proposed chain",
			logging.String("agent", job.AgentID),
			logging.Err(err))
		return Rejected, nil
	}

	if _, err := c.tracker.ReplaceChain(job.AgentID, job.AgentVersion, stops); err != nil {
		if errors.Is(err, state.ErrStaleVersion) {
			c.metrics.CommitOutcome(Stale.String())
			return Stale, nil
		}
		return Discarded, err
	}

	if err := c.eng.SetRoute(ctx, job.AgentID, route); err != nil {
		// The tracker already committed; the engine will converge on the
		// next observation pass. Surface the error so the loop can log it.
		return Applied, fmt.Errorf("set route for %s: %w", job.AgentID, err)
	}

	if c.journal != nil {
		if err := c.journal.RecordRevision(ctx, job.AgentID, c.tracker.Tick(), stops); err != nil {
			log.Warn(ctx, "revision journal write failed", logging.Err(err))
		}
	}

	c.metrics.CommitOutcome(Applied.String())
	log.Info(ctx, "applied revised chain",
		logging.String("agent", job.AgentID),
		logging.Int("stops", len(stops)))
	return Applied, nil
}

// buildChain resolves proposed stops to POIs, checks reachability over open
// edges, and produces both the stop list and the route to the first stop.
func (c *Committer) buildChain(agent *model.Agent, proposed []model.ProposedStop) ([]model.Stop, []string, error) {
	if len(proposed) == 0 {
		return nil, nil, errors.New("empty chain")
	}

	closed := c.tracker.ClosedEdges()
	isClosed := func(edgeID string) bool { return closed[edgeID] }

	stops := make([]model.Stop, 0, len(proposed))
	arrival := c.tracker.SimTime()
	prevEdge := agent.Position.EdgeID
	var firstRoute []string

	for i, p := range proposed {
		poi, ok := c.tracker.POIByName(p.POIName)
		if !ok {
			return nil, nil, fmt.Errorf("unknown poi %q", p.POIName)
		}
		if p.Quarters <= 0 {
			return nil, nil, fmt.Errorf("non-positive duration for %q", p.POIName)
		}

		route, ok := c.graph.Path(prevEdge, poi.AccessEdge, isClosed)
		if !ok {
			return nil, nil, fmt.Errorf("poi %q unreachable from %s", p.POIName, prevEdge)
		}
		if i == 0 {
			firstRoute = route
		}

		stay := time.Duration(p.Quarters) * stopQuarter
		stops = append(stops, model.Stop{
			POIID:            poi.ID,
			PlannedArrival:   arrival,
			PlannedDeparture: arrival.Add(stay),
			Status:           model.StopPending,
		})
		arrival = arrival.Add(stay)
		prevEdge = poi.AccessEdge
	}

	return stops, firstRoute, nil
}
