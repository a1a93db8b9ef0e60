// Package state holds the authoritative simulation-side view of agents,
// road closures, events, and POIs. The stepping loop is the sole writer;
// every other component reads immutable snapshots or submits mutation
// requests that the loop applies through this package.
package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cityflux/traffic-replanner/internal/logging"
	"github.com/cityflux/traffic-replanner/internal/netgraph"
	"github.com/cityflux/traffic-replanner/model"
)

var (
	// ErrAgentNotFound indicates a requested agent is not tracked.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentExists indicates an agent is already tracked.
	ErrAgentExists = errors.New("agent already exists")
	// ErrStaleVersion indicates a chain replacement carried an outdated
	// agent version. Expected under concurrent adaptation; not a fault.
	ErrStaleVersion = errors.New("stale agent version")
	// ErrEventExists indicates an event ID collision.
	ErrEventExists = errors.New("event already exists")
)

// MetricsRecorder receives entity-count updates from tracker mutators.
type MetricsRecorder interface {
	SetWorldCounts(agents, closedEdges, events, stranded int)
}

// Tracker coordinates the orchestrator's authoritative collections.
//
// The coarse RWMutex makes snapshots consistent: readers (dispatcher
// workers, detector, monitor) take Snapshot; all writes funnel through the
// stepping loop.
type Tracker struct {
	mu sync.RWMutex

	graph *netgraph.Graph

	tick    uint64
	simTime time.Time

	agents map[string]*model.Agent
	pois   map[string]model.POI
	events map[string]*model.Event

	// closed is the per-edge closure state machine; absent means Open.
	closed map[string]bool
	// closures records closure orders for the session log.
	closures []model.RoadClosure

	log     logging.Logger
	metrics MetricsRecorder
}

// Option customises Tracker construction.
type Option func(*Tracker)

// WithMetricsRecorder attaches an optional recorder for entity counts.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker builds an empty tracker over the static network graph.
func NewTracker(graph *netgraph.Graph, log logging.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = logging.Noop()
	}
	t := &Tracker{
		graph:  graph,
		agents: make(map[string]*model.Agent),
		pois:   make(map[string]model.POI),
		events: make(map[string]*model.Event),
		closed: make(map[string]bool),
		log:    log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Graph exposes the static network the tracker validates against.
func (t *Tracker) Graph() *netgraph.Graph { return t.graph }

// Snapshot is a consistent read-only view of tracker state. Agent values are
// deep copies; maps and slices must not be mutated by readers.
type Snapshot struct {
	Tick        uint64
	SimTime     time.Time
	Agents      []*model.Agent
	ClosedEdges map[string]bool
	POIs        map[string]model.POI
	Events      []*model.Event
}

// Agent finds an agent in the snapshot, nil when absent.
func (s *Snapshot) Agent(id string) *model.Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Closed is a closure predicate over the snapshot, suitable for
// netgraph.Graph.Reachable.
func (s *Snapshot) Closed(edgeID string) bool { return s.ClosedEdges[edgeID] }

// Snapshot captures the current state. Agents are cloned and sorted by ID so
// downstream consumers are deterministic.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agents := make([]*model.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	closed := make(map[string]bool, len(t.closed))
	for e, c := range t.closed {
		if c {
			closed[e] = true
		}
	}

	pois := make(map[string]model.POI, len(t.pois))
	for id, p := range t.pois {
		pois[id] = p
	}

	events := make([]*model.Event, 0, len(t.events))
	for _, ev := range t.events {
		cp := *ev
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	return &Snapshot{
		Tick:        t.tick,
		SimTime:     t.simTime,
		Agents:      agents,
		ClosedEdges: closed,
		POIs:        pois,
		Events:      events,
	}
}

// AdvanceTick moves the tracker to the next tick at the given sim time.
func (t *Tracker) AdvanceTick(simTime time.Time) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick++
	t.simTime = simTime
	return t.tick
}

// Tick returns the current tick number.
func (t *Tracker) Tick() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tick
}

// SimTime returns the simulated clock at the current tick.
func (t *Tracker) SimTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.simTime
}

// SetPOIs installs the POI table, normally once at startup.
func (t *Tracker) SetPOIs(pois []model.POI) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pois = make(map[string]model.POI, len(pois))
	for _, p := range pois {
		t.pois[p.ID] = p
	}
}

// POI looks up a POI by ID.
func (t *Tracker) POI(id string) (model.POI, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pois[id]
	return p, ok
}

// POIByName looks up a POI by display name, the key oracles answer with.
func (t *Tracker) POIByName(name string) (model.POI, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.pois {
		if p.Name == name {
			return p, true
		}
	}
	return model.POI{}, false
}

// CreateAgent registers a new agent, usually on first observation from the
// engine or when loading the persisted route table.
func (t *Tracker) CreateAgent(a *model.Agent) error {
	if a == nil {
		return errors.New("agent is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[a.ID]; ok {
		return ErrAgentExists
	}
	t.agents[a.ID] = a.Clone()
	t.updateMetricsLocked()
	return nil
}

// RemoveAgent drops an agent after the engine reports it has completed its
// chain or left the network.
func (t *Tracker) RemoveAgent(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, id)
	t.updateMetricsLocked()
}

// Agent returns a clone of the tracked agent.
func (t *Tracker) Agent(id string) (*model.Agent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.Clone(), nil
}

// ObserveAgent refreshes an agent's engine-side state for the current tick
// and advances stop progress: the head stop goes InProgress when the agent
// reaches its access edge and Completed once its planned departure passes.
func (t *Tracker) ObserveAgent(id string, pos model.Position, departed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Position = pos
	if departed {
		a.Departed = true
	}
	for i := range a.Chain {
		s := &a.Chain[i]
		if StopDone(s.Status) {
			continue
		}
		if s.Status == model.StopPending {
			if poi, ok := t.pois[s.POIID]; ok && poi.AccessEdge == pos.EdgeID {
				s.Status = model.StopInProgress
			}
			break
		}
		if s.Status == model.StopInProgress {
			if !t.simTime.Before(s.PlannedDeparture) {
				s.Status = model.StopCompleted
				continue
			}
			break
		}
	}
	return nil
}

// StopDone reports whether a status is past the active part of its life.
func StopDone(s model.StopStatus) bool {
	return s == model.StopCompleted || s == model.StopCancelled
}

// ReplaceChain atomically installs a new activity chain for an agent,
// guarded by the version recorded at dispatch time. On success the agent's
// version increments by exactly one and the new version is returned.
func (t *Tracker) ReplaceChain(agentID string, expectVersion uint64, stops []model.Stop) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[agentID]
	if !ok {
		return 0, ErrAgentNotFound
	}
	if a.Version != expectVersion {
		return a.Version, ErrStaleVersion
	}
	a.Chain = append([]model.Stop(nil), stops...)
	a.Version++
	a.Stranded = false
	return a.Version, nil
}

// AddEvent registers an externally created event.
func (t *Tracker) AddEvent(ev *model.Event) error {
	if ev == nil {
		return errors.New("event is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.events[ev.ID]; ok {
		return ErrEventExists
	}
	cp := *ev
	t.events[ev.ID] = &cp
	t.updateMetricsLocked()
	return nil
}

// ExpireEvents drops events whose window has fully passed.
func (t *Tracker) ExpireEvents(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ev := range t.events {
		if ev.End.Before(now) {
			delete(t.events, id)
		}
	}
	t.updateMetricsLocked()
}

func (t *Tracker) updateMetricsLocked() {
	if t.metrics == nil {
		return
	}
	closed := 0
	for _, c := range t.closed {
		if c {
			closed++
		}
	}
	stranded := 0
	for _, a := range t.agents {
		if a.Stranded {
			stranded++
		}
	}
	t.metrics.SetWorldCounts(len(t.agents), closed, len(t.events), stranded)
}
