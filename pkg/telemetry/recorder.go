package telemetry

import (
	"sync"
	"time"
)

// Event is one recorded telemetry event. Seq is a gap-free 0..N-1 sequence
// assigned in emission order; TS is UTC ISO-8601.
type Event struct {
	Seq     int64          `json:"seq"`
	Event   string         `json:"event"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// Recorder buffers the full event stream and snapshots agent profiles from
// agent.spawned events so the bundle can list agents without extra plumbing.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	nextSeq  int64
	profiles []map[string]any
	seen     map[string]bool
}

// NewRecorder builds an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[string]bool)}
}

// Emit records the event with the next sequence number and the current UTC
// timestamp.
func (r *Recorder) Emit(event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, Event{
		Seq:     r.nextSeq,
		Event:   event,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	r.nextSeq++

	if event == "agent.spawned" {
		r.snapshotProfileLocked(payload)
	}
}

func (r *Recorder) snapshotProfileLocked(payload map[string]any) {
	profile, ok := payload["profile"].(map[string]any)
	if !ok {
		return
	}
	agentID, _ := profile["agent_id"].(string)
	if agentID == "" || r.seen[agentID] {
		return
	}
	r.seen[agentID] = true
	r.profiles = append(r.profiles, profile)
}

// Events returns a copy of the recorded stream.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// AgentProfiles returns the profiles captured from agent.spawned events, in
// spawn order.
func (r *Recorder) AgentProfiles() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// Len reports the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
