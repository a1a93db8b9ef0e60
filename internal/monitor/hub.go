// Package monitor exposes the live viewer channel over WebSocket. Sessions
// receive tick frames, closure deltas, and job outcomes; tracked agents get
// rich per-agent frames. Inbound frames are operator commands handed to the
// stepping loop; the loop never blocks on a slow viewer.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cityflux/traffic-replanner/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	sendQueueSize  = 64
	commandBacklog = 128
)

var validCommands = map[string]bool{
	CmdConnect:     true,
	CmdTrack:       true,
	CmdUntrack:     true,
	CmdModifyRoute: true,
	CmdCloseRoads:  true,
	CmdReopenRoads: true,
	CmdReopenAll:   true,
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	tracked map[string]bool
}

func (s *session) tracks(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[agentID]
}

func (s *session) setTracked(agentID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.tracked[agentID] = true
	} else {
		delete(s.tracked, agentID)
	}
}

// Hub owns viewer sessions and the inbound command queue.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader
	welcome  func() *WelcomePayload

	mu       sync.Mutex
	sessions map[string]*session
	dropped  uint64

	commands chan Command
	done     chan struct{}
	closeOne sync.Once
}

// NewHub creates a hub. welcome is called on each new session to build its
// greeting frame; nil skips the greeting.
func NewHub(log logging.Logger, welcome func() *WelcomePayload) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		welcome:  welcome,
		sessions: make(map[string]*session),
		commands: make(chan Command, commandBacklog),
		done:     make(chan struct{}),
	}
}

// Commands delivers parsed operator commands to the stepping loop.
func (h *Hub) Commands() <-chan Command {
	return h.commands
}

// SessionCount reports active viewer sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// DroppedFrames reports outbound frames discarded on full session queues.
func (h *Hub) DroppedFrames() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close terminates every session and stops accepting new ones.
func (h *Hub) Close() {
	h.closeOne.Do(func() { close(h.done) })
	h.mu.Lock()
	for _, s := range h.sessions {
		close(s.send)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs the session pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		tracked: make(map[string]bool),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.log.Info(r.Context(), "viewer connected", logging.String("session", s.id))

	if h.welcome != nil {
		h.sendTo(s, Envelope{Type: MsgWelcome, Welcome: h.welcome()})
	}

	go h.writePump(s)
	h.readPump(s)
}

func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.id]; ok && cur == s {
		delete(h.sessions, s.id)
		close(s.send)
	}
	h.mu.Unlock()
	s.conn.Close()
}

func (h *Hub) readPump(s *session) {
	defer h.removeSession(s)
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(context.Background(), "viewer read error",
					logging.String("session", s.id),
					logging.Err(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || !validCommands[cmd.Kind] {
			// A malformed frame fails the command, not the session.
			h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "malformed_command"})
			continue
		}
		cmd.SessionID = s.id

		// Session-scoped commands never touch the loop.
		switch cmd.Kind {
		case CmdConnect:
			h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "ok"})
			continue
		case CmdTrack:
			if cmd.AgentID == "" {
				h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "missing_agent"})
				continue
			}
			s.setTracked(cmd.AgentID, true)
			h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "ok"})
			continue
		case CmdUntrack:
			s.setTracked(cmd.AgentID, false)
			h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "ok"})
			continue
		}

		select {
		case h.commands <- cmd:
		default:
			h.Ack(s.id, AckPayload{Cmd: cmd.Kind, Status: "error", Reason: "command_backlog_full"})
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends the envelope to every session. A session whose queue is
// full loses this frame and stays connected.
func (h *Hub) Broadcast(env Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		h.log.Error(context.Background(), "marshal broadcast frame", logging.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		select {
		case s.send <- data:
		default:
			h.dropped++
		}
	}
}

// BroadcastAgent sends a rich agent frame to the sessions tracking it.
func (h *Hub) BroadcastAgent(payload *AgentPayload) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var data []byte
	for _, s := range targets {
		if !s.tracks(payload.ID) {
			continue
		}
		if data == nil {
			var err error
			data, err = marshalEnvelope(Envelope{Type: MsgAgent, Agent: payload})
			if err != nil {
				h.log.Error(context.Background(), "marshal agent frame", logging.Err(err))
				return
			}
		}
		select {
		case s.send <- data:
		default:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
		}
	}
}

// TrackedAgents returns the union of agent IDs any session tracks.
func (h *Hub) TrackedAgents() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool)
	for _, s := range h.sessions {
		s.mu.Lock()
		for id := range s.tracked {
			out[id] = true
		}
		s.mu.Unlock()
	}
	return out
}

// Ack sends a command acknowledgement to one session.
func (h *Hub) Ack(sessionID string, ack AckPayload) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.sendTo(s, Envelope{Type: MsgAck, Ack: &ack})
}

func (h *Hub) sendTo(s *session, env Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		h.log.Error(context.Background(), "marshal session frame", logging.Err(err))
		return
	}
	select {
	case s.send <- data:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// Wait blocks until ctx is cancelled, then closes the hub. Run it as a
// goroutine next to the HTTP server.
func (h *Hub) Wait(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}
