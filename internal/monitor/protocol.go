package monitor

import (
	"encoding/json"
	"time"

	"github.com/cityflux/traffic-replanner/model"
)

// ProtocolVersion guards viewer compatibility. Bump on breaking payload
// changes.
const ProtocolVersion = 1

// Outbound message types.
const (
	MsgWelcome  = "welcome"
	MsgTick     = "tick"
	MsgClosures = "closures"
	MsgJob      = "job"
	MsgStranded = "stranded"
	MsgAgent    = "agent"
	MsgAck      = "ack"
)

// Inbound command kinds. connect is accepted for viewers that announce
// themselves explicitly; the upgrade plus welcome frame already established
// the session, so it acks without side effects.
const (
	CmdConnect     = "connect"
	CmdTrack       = "track"
	CmdUntrack     = "untrack"
	CmdModifyRoute = "modify_route"
	CmdCloseRoads  = "close_roads"
	CmdReopenRoads = "reopen_roads"
	CmdReopenAll   = "reopen_all"
)

// Envelope is the outbound wire frame. Exactly one payload field is set,
// matching Type.
type Envelope struct {
	Ver      int              `json:"ver"`
	Type     string           `json:"type"`
	Welcome  *WelcomePayload  `json:"welcome,omitempty"`
	Tick     *TickPayload     `json:"tick,omitempty"`
	Closures *ClosuresPayload `json:"closures,omitempty"`
	Job      *JobPayload      `json:"job,omitempty"`
	Stranded *StrandedPayload `json:"stranded,omitempty"`
	Agent    *AgentPayload    `json:"agent,omitempty"`
	Ack      *AckPayload      `json:"ack,omitempty"`
}

type WelcomePayload struct {
	Tick        uint64   `json:"tick"`
	SimTime     int64    `json:"sim_time_ms"`
	AgentCount  int      `json:"agent_count"`
	ClosedEdges []string `json:"closed_edges"`
}

// AgentSummary is the per-agent slice of a tick frame.
type AgentSummary struct {
	ID       string `json:"id"`
	EdgeID   string `json:"edge"`
	Stranded bool   `json:"stranded,omitempty"`
	Departed bool   `json:"departed,omitempty"`
}

type TickPayload struct {
	Tick    uint64         `json:"tick"`
	SimTime int64          `json:"sim_time_ms"`
	Agents  []AgentSummary `json:"agents"`
}

type ClosuresPayload struct {
	Tick     uint64   `json:"tick"`
	Closed   []string `json:"closed,omitempty"`
	Reopened []string `json:"reopened,omitempty"`
}

type JobPayload struct {
	JobID   string `json:"job_id"`
	AgentID string `json:"agent_id"`
	State   string `json:"state"`
	Outcome string `json:"outcome,omitempty"`
	Trigger string `json:"trigger"`
}

type StrandedPayload struct {
	Tick     uint64   `json:"tick"`
	AgentIDs []string `json:"agent_ids"`
}

// StopView renders one chain entry for a tracked agent.
type StopView struct {
	POIID     string `json:"poi"`
	Name      string `json:"name"`
	Arrival   int64  `json:"arrival_ms"`
	Departure int64  `json:"departure_ms"`
	Status    string `json:"status"`
}

// AgentPayload is the rich frame sent only to sessions tracking the agent.
type AgentPayload struct {
	ID       string     `json:"id"`
	EdgeID   string     `json:"edge"`
	Offset   float64    `json:"offset_m"`
	Chain    []StopView `json:"chain"`
	Version  uint64     `json:"version"`
	Stranded bool       `json:"stranded"`
}

type AckPayload struct {
	Cmd    string `json:"cmd"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Command is one parsed inbound frame, tagged with the issuing session so
// the executor can direct the ack.
type Command struct {
	SessionID string
	Kind      string   `json:"type"`
	AgentID   string   `json:"agent_id,omitempty"`
	Edges     []string `json:"edges,omitempty"`
	Route     []string `json:"route,omitempty"`
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	env.Ver = ProtocolVersion
	return json.Marshal(env)
}

// NewTickPayload builds a tick frame from agent summaries.
func NewTickPayload(tick uint64, simTime time.Time, agents []AgentSummary) *TickPayload {
	return &TickPayload{Tick: tick, SimTime: simTime.UnixMilli(), Agents: agents}
}

// NewAgentPayload renders a rich tracked-agent frame.
func NewAgentPayload(a *model.Agent, poiNames map[string]string) *AgentPayload {
	chain := make([]StopView, 0, len(a.Chain))
	for _, s := range a.Chain {
		chain = append(chain, StopView{
			POIID:     s.POIID,
			Name:      poiNames[s.POIID],
			Arrival:   s.PlannedArrival.UnixMilli(),
			Departure: s.PlannedDeparture.UnixMilli(),
			Status:    s.Status.String(),
		})
	}
	return &AgentPayload{
		ID:       a.ID,
		EdgeID:   a.Position.EdgeID,
		Offset:   a.Position.Offset,
		Chain:    chain,
		Version:  a.Version,
		Stranded: a.Stranded,
	}
}
