// Package loop runs the orchestrator's stepping cycle. The loop goroutine is
// the only writer of tracker state: it observes the engine, applies operator
// commands, turns closure and event triggers into adaptation jobs, and
// commits a bounded batch of oracle results each tick.
package loop

import (
	"context"
	"time"

	"github.com/cityflux/traffic-replanner/internal/attendee"
	"github.com/cityflux/traffic-replanner/internal/commit"
	"github.com/cityflux/traffic-replanner/internal/detect"
	"github.com/cityflux/traffic-replanner/internal/dispatch"
	"github.com/cityflux/traffic-replanner/internal/engine"
	"github.com/cityflux/traffic-replanner/internal/eta"
	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/monitor"
	"github.com/cityflux/traffic-replanner/internal/sim/state"
	"github.com/cityflux/traffic-replanner/model"
	"github.com/cityflux/traffic-replanner/timectrl"
)

const defaultCommitBatch = 32

// TickMetrics receives loop timing observations.
type TickMetrics interface {
	ObserveTickDuration(seconds float64)
}

// ViewerMetrics receives monitor channel observations.
type ViewerMetrics interface {
	SetSessions(n int)
	AddDroppedFrames(n uint64)
}

type noopTickMetrics struct{}

func (noopTickMetrics) ObserveTickDuration(float64) {}

type noopViewerMetrics struct{}

func (noopViewerMetrics) SetSessions(int)         {}
func (noopViewerMetrics) AddDroppedFrames(uint64) {}

// Options tunes the loop.
type Options struct {
	// CommitBatch caps how many oracle results are applied per tick so a
	// burst of completions cannot stall stepping.
	CommitBatch int
	// TickInterval is the wall pause between ticks. Zero runs flat out.
	TickInterval time.Duration
	Tick         TickMetrics
	Viewer       ViewerMetrics
	// Telemetry receives per-edge and per-agent traffic observations as the
	// loop computes them. A fresh store is created when nil.
	Telemetry *state.TelemetryState
}

// Loop wires the orchestrator components together.
type Loop struct {
	tracker    *state.Tracker
	eng        engine.Client
	detector   *detect.Detector
	estimator  *eta.Estimator
	dispatcher *dispatch.Dispatcher
	committer  *commit.Committer
	hub        *monitor.Hub
	clock      *timectrl.TimeController
	log        logging.Logger
	opts       Options

	lastDropped uint64
}

func New(
	tracker *state.Tracker,
	eng engine.Client,
	detector *detect.Detector,
	estimator *eta.Estimator,
	dispatcher *dispatch.Dispatcher,
	committer *commit.Committer,
	hub *monitor.Hub,
	clock *timectrl.TimeController,
	log logging.Logger,
	opts Options,
) *Loop {
	if opts.CommitBatch <= 0 {
		opts.CommitBatch = defaultCommitBatch
	}
	if opts.Tick == nil {
		opts.Tick = noopTickMetrics{}
	}
	if opts.Viewer == nil {
		opts.Viewer = noopViewerMetrics{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = state.NewTelemetryState()
	}
	return &Loop{
		tracker:    tracker,
		eng:        eng,
		detector:   detector,
		estimator:  estimator,
		dispatcher: dispatcher,
		committer:  committer,
		hub:        hub,
		clock:      clock,
		log:        log,
		opts:       opts,
	}
}

// Run steps the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	var ticker *time.Ticker
	if l.opts.TickInterval > 0 {
		ticker = time.NewTicker(l.opts.TickInterval)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		simTime := l.clock.Advance()
		l.Step(ctx, simTime)
	}
}

// Step executes one tick. Exposed so tests and replay drivers can step the
// orchestrator without wall pacing.
func (l *Loop) Step(ctx context.Context, simTime time.Time) {
	start := time.Now()
	tick := l.tracker.AdvanceTick(simTime)

	l.observe(ctx)
	l.tracker.ExpireEvents(simTime)
	l.drainCommands(ctx)
	l.commitResults(ctx)
	l.publish(tick, simTime)

	l.opts.Tick.ObserveTickDuration(time.Since(start).Seconds())
}

// observe pulls positions from the engine into the tracker. Tracked agents
// the engine no longer reports are marked departed.
func (l *Loop) observe(ctx context.Context) {
	ids, err := l.eng.Agents(ctx)
	if err != nil {
		l.log.Warn(ctx, "engine agent listing failed", logging.Err(err))
		return
	}
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
		pos, err := l.eng.Position(ctx, id)
		if err != nil {
			l.log.Warn(ctx, "engine position read failed",
				logging.String("agent", id), logging.Err(err))
			continue
		}
		if err := l.tracker.ObserveAgent(id, pos, false); err != nil {
			l.log.Debug(ctx, "observation for unknown agent",
				logging.String("agent", id))
		}
	}

	snap := l.tracker.Snapshot()
	for _, agent := range snap.Agents {
		if agent.Departed || active[agent.ID] {
			continue
		}
		if err := l.tracker.ObserveAgent(agent.ID, agent.Position, true); err != nil {
			l.log.Warn(ctx, "marking departed agent failed",
				logging.String("agent", agent.ID), logging.Err(err))
		}
	}
}

func (l *Loop) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.hub.Commands():
			l.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (l *Loop) handleCommand(ctx context.Context, cmd monitor.Command) {
	switch cmd.Kind {
	case monitor.CmdCloseRoads:
		l.closeRoads(ctx, cmd)
	case monitor.CmdReopenRoads:
		l.ReopenRoads(ctx, cmd.Edges)
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "ok"})
	case monitor.CmdReopenAll:
		l.ReopenAllRoads(ctx)
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "ok"})
	case monitor.CmdModifyRoute:
		l.modifyRoute(ctx, cmd)
	default:
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "unsupported"})
	}
}

func (l *Loop) closeRoads(ctx context.Context, cmd monitor.Command) {
	if len(cmd.Edges) == 0 {
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "no_edges"})
		return
	}
	l.CloseRoads(ctx, cmd.Edges)
	l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "ok"})
}

// CloseRoads closes the edges, propagates the state to the engine, queues
// adaptation jobs for impacted agents, and notifies viewers. It returns the
// effective delta and any newly stranded agents.
func (l *Loop) CloseRoads(ctx context.Context, edges []string) (model.ClosureDelta, []string) {
	delta, stranded := l.tracker.CloseEdges(edges)
	l.applyEdgeStates(ctx, delta.Closed, false)
	l.broadcastClosureDelta(delta)
	if len(stranded) > 0 {
		l.hub.Broadcast(monitor.Envelope{
			Type:     monitor.MsgStranded,
			Stranded: &monitor.StrandedPayload{Tick: delta.Tick, AgentIDs: stranded},
		})
	}

	if !delta.Empty() {
		snap := l.tracker.Snapshot()
		impact := l.detector.ForClosure(ctx, snap, delta)
		l.enqueueClosureJobs(ctx, snap, delta, impact)
	}
	return delta, stranded
}

// ReopenRoads reopens the edges and propagates the state to the engine.
func (l *Loop) ReopenRoads(ctx context.Context, edges []string) model.ClosureDelta {
	delta := l.tracker.ReopenEdges(edges)
	l.applyEdgeStates(ctx, delta.Reopened, true)
	l.broadcastClosureDelta(delta)
	return delta
}

// ReopenAllRoads reopens every closed edge.
func (l *Loop) ReopenAllRoads(ctx context.Context) model.ClosureDelta {
	delta := l.tracker.ReopenAll()
	l.applyEdgeStates(ctx, delta.Reopened, true)
	l.broadcastClosureDelta(delta)
	return delta
}

func (l *Loop) modifyRoute(ctx context.Context, cmd monitor.Command) {
	if cmd.AgentID == "" || len(cmd.Route) == 0 {
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "missing_route"})
		return
	}
	if _, err := l.tracker.Agent(cmd.AgentID); err != nil {
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "unknown_agent"})
		return
	}
	if err := l.eng.SetRoute(ctx, cmd.AgentID, cmd.Route); err != nil {
		l.log.Warn(ctx, "operator route override failed",
			logging.String("agent", cmd.AgentID), logging.Err(err))
		l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "engine_rejected"})
		return
	}
	l.hub.Ack(cmd.SessionID, monitor.AckPayload{Cmd: cmd.Kind, Status: "ok"})
}

func (l *Loop) applyEdgeStates(ctx context.Context, edges []string, open bool) {
	for _, e := range edges {
		if err := l.eng.SetEdgeAllowed(ctx, e, open); err != nil {
			l.log.Warn(ctx, "engine edge state update failed",
				logging.String("edge", e), logging.Err(err))
		}
	}
}

func (l *Loop) broadcastClosureDelta(delta model.ClosureDelta) {
	if delta.Empty() {
		return
	}
	l.hub.Broadcast(monitor.Envelope{
		Type: monitor.MsgClosures,
		Closures: &monitor.ClosuresPayload{
			Tick:     delta.Tick,
			Closed:   delta.Closed,
			Reopened: delta.Reopened,
		},
	})
}

func (l *Loop) enqueueClosureJobs(ctx context.Context, snap *state.Snapshot, delta model.ClosureDelta, impact detect.ClosureImpact) {
	names := poiNames(snap)
	for _, agentID := range impact.AgentIDs {
		agent := snap.Agent(agentID)
		if agent == nil {
			continue
		}
		jctx := model.JobContext{
			Trigger:        model.TriggerClosure,
			Demographics:   agent.Demographics,
			RemainingChain: agent.RemainingStops(),
			CurrentEdge:    agent.Position.EdgeID,
			ClosedEdges:    delta.Closed,
			AffectedPOIs:   impact.POIIDs,
			Alternatives:   alternativesForAgent(agent, impact),
			POINames:       names,
		}
		l.attachTraffic(ctx, snap, agent, &jctx)

		if _, err := l.dispatcher.Enqueue(agentID, agent.Version, jctx); err != nil {
			l.log.Warn(ctx, "closure job enqueue failed",
				logging.String("agent", agentID), logging.Err(err))
		}
	}
}

// ScheduleEvent registers an event, selects likely attendees, and queues
// event-trigger jobs for them.
func (l *Loop) ScheduleEvent(ctx context.Context, ev *model.Event) error {
	if err := l.tracker.AddEvent(ev); err != nil {
		return err
	}

	snap := l.tracker.Snapshot()
	candidates := l.detector.ForEvent(snap, ev)
	sel := attendee.Select(snap, ev, candidates)
	if sel.Insufficient {
		l.log.Warn(ctx, "event capacity exceeds candidate pool",
			logging.String("event", ev.ID),
			logging.Int("capacity", ev.Capacity),
			logging.Int("candidates", len(candidates)))
	}

	names := poiNames(snap)
	for _, agentID := range sel.AgentIDs {
		agent := snap.Agent(agentID)
		if agent == nil {
			continue
		}
		evCopy := *ev
		jctx := model.JobContext{
			Trigger:        model.TriggerEvent,
			Demographics:   agent.Demographics,
			RemainingChain: agent.RemainingStops(),
			CurrentEdge:    agent.Position.EdgeID,
			Event:          &evCopy,
			POINames:       names,
		}
		l.attachTraffic(ctx, snap, agent, &jctx)

		if _, err := l.dispatcher.Enqueue(agentID, agent.Version, jctx); err != nil {
			l.log.Warn(ctx, "event job enqueue failed",
				logging.String("agent", agentID), logging.Err(err))
		}
	}

	l.log.Info(ctx, "event scheduled",
		logging.String("event", ev.ID),
		logging.Int("invited", len(sel.AgentIDs)))
	return nil
}

// attachTraffic adds the ETA comparison and congestion summary for the
// agent's next stop. Estimation failures leave the fields empty; the oracle
// still gets the rest of the context.
func (l *Loop) attachTraffic(ctx context.Context, snap *state.Snapshot, agent *model.Agent, jctx *model.JobContext) {
	remaining := agent.RemainingStops()
	if len(remaining) == 0 {
		return
	}
	poi, ok := snap.POIs[remaining[0].POIID]
	if !ok {
		return
	}

	report, err := l.estimator.Estimate(ctx, snap, agent.ID, poi.AccessEdge)
	if err != nil {
		l.log.Debug(ctx, "eta estimate unavailable",
			logging.String("agent", agent.ID), logging.Err(err))
		return
	}
	jctx.ETA = report
	l.opts.Telemetry.UpdateDelay(report, snap.SimTime)

	for _, edge := range report.Edges {
		stats, err := l.eng.EdgeTravelStats(ctx, edge.EdgeID)
		if err != nil {
			continue
		}
		l.opts.Telemetry.UpdateEdge(state.EdgeTelemetry{
			EdgeID:      edge.EdgeID,
			MeanSpeed:   stats.MeanSpeed,
			Occupancy:   stats.Occupancy,
			SampleCount: stats.SampleCount,
			ObservedAt:  snap.SimTime,
		})
		if stats.Congested() {
			jctx.CongestedEdges = append(jctx.CongestedEdges, edge.EdgeID)
		}
	}
}

// Telemetry exposes the loop's traffic observation store.
func (l *Loop) Telemetry() *state.TelemetryState {
	return l.opts.Telemetry
}

func (l *Loop) commitResults(ctx context.Context) {
	for i := 0; i < l.opts.CommitBatch; i++ {
		select {
		case res, ok := <-l.dispatcher.Results():
			if !ok {
				return
			}
			outcome, err := l.committer.Apply(ctx, res)
			if err != nil {
				l.log.Warn(ctx, "commit error",
					logging.String("job", res.Job.ID), logging.Err(err))
			}
			l.hub.Broadcast(monitor.Envelope{
				Type: monitor.MsgJob,
				Job: &monitor.JobPayload{
					JobID:   res.Job.ID,
					AgentID: res.Job.AgentID,
					State:   res.Job.State.String(),
					Outcome: outcome.String(),
					Trigger: res.Job.Context.Trigger.String(),
				},
			})
		default:
			return
		}
	}
}

func (l *Loop) publish(tick uint64, simTime time.Time) {
	snap := l.tracker.Snapshot()

	summaries := make([]monitor.AgentSummary, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		summaries = append(summaries, monitor.AgentSummary{
			ID:       a.ID,
			EdgeID:   a.Position.EdgeID,
			Stranded: a.Stranded,
			Departed: a.Departed,
		})
	}
	l.hub.Broadcast(monitor.Envelope{
		Type: monitor.MsgTick,
		Tick: monitor.NewTickPayload(tick, simTime, summaries),
	})

	tracked := l.hub.TrackedAgents()
	if len(tracked) > 0 {
		names := poiNames(snap)
		for id := range tracked {
			if agent := snap.Agent(id); agent != nil {
				l.hub.BroadcastAgent(monitor.NewAgentPayload(agent, names))
			}
		}
	}

	l.opts.Viewer.SetSessions(l.hub.SessionCount())
	if dropped := l.hub.DroppedFrames(); dropped > l.lastDropped {
		l.opts.Viewer.AddDroppedFrames(dropped - l.lastDropped)
		l.lastDropped = dropped
	}
}

func poiNames(snap *state.Snapshot) map[string]string {
	names := make(map[string]string, len(snap.POIs))
	for id, poi := range snap.POIs {
		names[id] = poi.Name
	}
	return names
}

// alternativesForAgent narrows the closure impact's alternative table to the
// POIs the agent still plans to visit.
func alternativesForAgent(agent *model.Agent, impact detect.ClosureImpact) []model.POIAlternative {
	var out []model.POIAlternative
	seen := make(map[string]bool)
	for _, s := range agent.RemainingStops() {
		for _, alt := range impact.Alternatives[s.POIID] {
			if seen[alt.POIID] {
				continue
			}
			seen[alt.POIID] = true
			out = append(out, alt)
		}
	}
	return out
}
