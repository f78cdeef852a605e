// Package api serves the live dashboard: a WebSocket feed of the telemetry
// stream plus enough tracked state for late-joining clients to render the
// council immediately.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// bufferSize is how many recent events initial_state replays to a new client.
const bufferSize = 1000

// LiveEvent is one telemetry event as framed for dashboard clients.
type LiveEvent struct {
	Seq     int64          `json:"seq"`
	Event   string         `json:"event"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// ClientMessage is a message from a dashboard client.
type ClientMessage struct {
	Type string `json:"type"`
}

// ConnectionManager tracks WebSocket connections and the run state derived
// from the event stream. One instance serves the whole process.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Run state folded from events, guarded separately so slow client
	// writes never stall ingestion.
	stateMu       sync.Mutex
	seq           int64
	buffer        []LiveEvent
	agentProfiles map[string]map[string]any
	agentTimers   map[string]map[string]any

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:   make(map[string]*Connection),
		agentProfiles: make(map[string]map[string]any),
		agentTimers:   make(map[string]map[string]any),
		writeTimeout:  writeTimeout,
	}
}

// Ingest sequences a telemetry event, folds it into the tracked run state,
// and fans it out to every connected client.
func (m *ConnectionManager) Ingest(event string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	live := LiveEvent{
		Event:   event,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}

	m.stateMu.Lock()
	live.Seq = m.seq
	m.seq++
	m.buffer = append(m.buffer, live)
	if len(m.buffer) > bufferSize {
		m.buffer = m.buffer[len(m.buffer)-bufferSize:]
	}
	m.foldState(event, payload)
	m.stateMu.Unlock()

	frame, err := json.Marshal(map[string]any{
		"type":    "event",
		"seq":     live.Seq,
		"event":   live.Event,
		"ts":      live.TS,
		"payload": live.Payload,
	})
	if err != nil {
		slog.Warn("Failed to marshal dashboard event", "event", event, "error", err)
		return
	}
	m.broadcast(frame)
}

// foldState updates agent and timer snapshots. Caller holds stateMu.
func (m *ConnectionManager) foldState(event string, payload map[string]any) {
	agentID, _ := payload["agent_id"].(string)

	switch event {
	case "agent.spawned":
		profile, ok := payload["profile"].(map[string]any)
		if !ok {
			return
		}
		id, _ := profile["agent_id"].(string)
		if id == "" {
			return
		}
		snapshot := make(map[string]any, len(profile)+1)
		for k, v := range profile {
			snapshot[k] = v
		}
		if session, ok := payload["session"]; ok {
			snapshot["session"] = session
		}
		m.agentProfiles[id] = snapshot

	case "timer.started":
		if agentID == "" {
			return
		}
		m.agentTimers[agentID] = map[string]any{
			"duration_ms":  payload["duration_ms"],
			"tick_seconds": payload["tick_seconds"],
			"started_at":   payload["started_at"],
			"ms_left":      payload["duration_ms"],
			"status":       "active",
		}

	case "timer.tick":
		if timer, ok := m.agentTimers[agentID]; ok {
			timer["ms_left"] = payload["ms_left"]
		}

	case "timer.expired":
		if timer, ok := m.agentTimers[agentID]; ok {
			timer["status"] = "expired"
			timer["ms_left"] = int64(0)
		}

	case "agent.death":
		if timer, ok := m.agentTimers[agentID]; ok {
			timer["status"] = "dead"
		}
	}
}

// broadcast sends a frame to every connection.
func (m *ConnectionManager) broadcast(frame []byte) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, frame); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, m.initialState())

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	case "request_state":
		m.sendJSON(c, m.initialState())
	}
}

// initialState snapshots tracked agents, timers, and the recent event buffer.
func (m *ConnectionManager) initialState() map[string]any {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	agents := make(map[string]any, len(m.agentProfiles))
	for id, profile := range m.agentProfiles {
		agents[id] = profile
	}
	timers := make(map[string]any, len(m.agentTimers))
	for id, timer := range m.agentTimers {
		snapshot := make(map[string]any, len(timer))
		for k, v := range timer {
			snapshot[k] = v
		}
		timers[id] = snapshot
	}
	recent := make([]LiveEvent, len(m.buffer))
	copy(recent, m.buffer)

	return map[string]any{
		"type":          "initial_state",
		"agents":        agents,
		"timers":        timers,
		"recent_events": recent,
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// RecentEvents returns a copy of the buffered events.
func (m *ConnectionManager) RecentEvents() []LiveEvent {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	recent := make([]LiveEvent, len(m.buffer))
	copy(recent, m.buffer)
	return recent
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout. Writes
// are serialized per connection so a broadcast never interleaves with an
// initial_state reply.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
