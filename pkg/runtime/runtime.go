// Package runtime is the process-wide coordinator. It owns the client
// registry, the live agent and timer maps, the shared bus, the turn
// coordinator, and the telemetry sink, and wires broadcasts back into timer
// micro-turns.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/bus"
	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/telemetry"
	"github.com/mortality-lab/mortality/pkg/timer"
	"github.com/mortality-lab/mortality/pkg/turn"
)

// TickHandler is the experiment-supplied per-tick work. It runs serialized on
// the coordinator worker.
type TickHandler func(ctx context.Context, a *agent.Agent, event timer.Event) error

// CountdownOptions tunes one countdown. Zero TickSecondsMax collapses the
// window to TickSeconds.
type CountdownOptions struct {
	TickSecondsMax time.Duration
	TickJitter     time.Duration
}

// Runtime binds timers, coordinator, bus, and agents together and fans every
// event into the telemetry sink.
type Runtime struct {
	registry    *llm.Registry
	sink        telemetry.Sink
	bus         *bus.SharedBus
	coordinator *turn.Coordinator

	mu              sync.Mutex
	agents          map[string]*agent.Agent
	timers          map[string]*timer.Timer
	lastMsLeft      map[string]int64
	seenPeerDigests map[string]map[string]bool
}

// New builds a runtime around the given registry and sink and subscribes the
// broadcast nudge. Sink may be nil.
func New(registry *llm.Registry, sink telemetry.Sink) *Runtime {
	if sink == nil {
		sink = telemetry.NullSink{}
	}
	r := &Runtime{
		registry:        registry,
		sink:            sink,
		bus:             bus.New(),
		agents:          make(map[string]*agent.Agent),
		timers:          make(map[string]*timer.Timer),
		lastMsLeft:      make(map[string]int64),
		seenPeerDigests: make(map[string]map[string]bool),
	}
	r.coordinator = turn.NewCoordinator(r.bus)
	// The bus holds a plain callback, never a runtime handle.
	r.bus.SubscribeBroadcasts(func(publisherID string) {
		r.nudgeAfterBroadcast(publisherID)
	})
	return r
}

// Bus exposes the shared bus.
func (r *Runtime) Bus() *bus.SharedBus {
	return r.bus
}

// Coordinator exposes the turn coordinator.
func (r *Runtime) Coordinator() *turn.Coordinator {
	return r.coordinator
}

// Agent returns the live agent with the given id, or false.
func (r *Runtime) Agent(agentID string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// SpawnAgent picks the client for the session's provider, creates the
// session, registers the agent on the bus, and emits agent.spawned.
func (r *Runtime) SpawnAgent(ctx context.Context, profile agent.Profile, sessionConfig llm.SessionConfig, memory *agent.Memory) (*agent.Agent, error) {
	client, err := r.registry.Get(sessionConfig.Provider)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", profile.AgentID, err)
	}
	a, err := agent.Spawn(ctx, client, profile, memory, sessionConfig, r.sink)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[profile.AgentID] = a
	r.mu.Unlock()
	r.bus.RegisterAgent(profile)

	r.sink.Emit("agent.spawned", map[string]any{
		"agent_id": profile.AgentID,
		"profile":  profile.AsMap(),
		"session": map[string]any{
			"provider": string(sessionConfig.Provider),
			"model":    sessionConfig.Model,
		},
	})
	return a, nil
}

// StartCountdown builds and starts the agent's timer. The callback emits
// timer.tick before the turn opens so dashboards see the tick first, then
// submits the handler to the coordinator, and emits timer.expired after the
// terminal turn.
func (r *Runtime) StartCountdown(a *agent.Agent, duration, tickSeconds time.Duration, handler TickHandler, opts CountdownOptions) (*timer.Timer, error) {
	agentID := a.Profile().AgentID
	tickMax := opts.TickSecondsMax
	if tickMax == 0 {
		tickMax = tickSeconds
	}
	tm, err := timer.New(agentID, duration, tickSeconds, tickMax, opts.TickJitter)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.timers[agentID] = tm
	r.mu.Unlock()

	durationMs := duration.Milliseconds()
	tickSecondsValue := tickSeconds.Seconds()
	r.sink.Emit("timer.started", map[string]any{
		"agent_id":     agentID,
		"duration_ms":  durationMs,
		"tick_seconds": tickSecondsValue,
		"started_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})

	dispatch := func(event timer.Event) {
		r.sink.Emit("timer.tick", map[string]any{
			"agent_id":     event.AgentID,
			"ms_left":      event.MsLeft,
			"tick_index":   event.TickIndex,
			"is_terminal":  event.IsTerminal,
			"duration_ms":  durationMs,
			"tick_seconds": tickSecondsValue,
			"tick_ts":      event.TS.Format(time.RFC3339Nano),
		})
		r.mu.Lock()
		r.lastMsLeft[agentID] = event.MsLeft
		r.mu.Unlock()

		err := r.coordinator.Submit(context.Background(), agentID, func(ctx context.Context) error {
			return handler(ctx, a, event)
		})
		if err != nil {
			slog.Warn("Tick handler did not complete", "agent_id", agentID, "tick_index", event.TickIndex, "error", err)
		}
		if event.IsTerminal {
			r.sink.Emit("timer.expired", map[string]any{
				"agent_id":    agentID,
				"duration_ms": durationMs,
				"expired_at":  event.TS.Format(time.RFC3339Nano),
			})
		}
	}
	if err := tm.Start(dispatch); err != nil {
		return nil, err
	}
	return tm, nil
}

// nudgeAfterBroadcast wakes the next waiting agent after a publish. When the
// coordinator identifies a waiting target other than the publisher, only that
// timer gets a micro-turn; otherwise every peer timer is nudged.
func (r *Runtime) nudgeAfterBroadcast(publisherID string) {
	var notified []string
	targetID := ""

	if candidate := r.coordinator.NextWaitingAgent(publisherID); candidate != "" {
		r.mu.Lock()
		tm := r.timers[candidate]
		r.mu.Unlock()
		if tm != nil {
			tm.RequestMicroTurn()
			targetID = candidate
			notified = []string{candidate}
		}
	}
	if targetID == "" {
		r.mu.Lock()
		peers := make(map[string]*timer.Timer, len(r.timers))
		for agentID, tm := range r.timers {
			if agentID != publisherID {
				peers[agentID] = tm
			}
		}
		r.mu.Unlock()
		for agentID, tm := range peers {
			tm.RequestMicroTurn()
			notified = append(notified, agentID)
		}
		sort.Strings(notified)
	}

	r.sink.Emit("timer.micro_turn", map[string]any{
		"publisher_id":       publisherID,
		"listeners_notified": notified,
		"target_id":          targetID,
	})
}

// PeerDiaryMessages fetches peer broadcasts and renders them as inbound
// system messages. Repeated results are suppressed: per (requestor, owner)
// pair, a digest whose entry JSON was already seen produces no message. The
// name is historical; the resources carry broadcasts, not diaries.
func (r *Runtime) PeerDiaryMessages(requestorID string, owners []string, limitPerOwner int, reason string) []llm.Message {
	resources := r.bus.FetchBroadcasts(requestorID, owners, bus.Scope{Limit: limitPerOwner}, reason)

	messages := make([]llm.Message, 0, len(resources))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resource := range resources {
		raw, err := json.Marshal(resource.Entries)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(raw)
		digest := hex.EncodeToString(sum[:])
		key := requestorID + "|" + resource.OwnerID
		seen := r.seenPeerDigests[key]
		if seen == nil {
			seen = make(map[string]bool)
			r.seenPeerDigests[key] = seen
		}
		if seen[digest] {
			continue
		}
		seen[digest] = true
		messages = append(messages, resource.ToMessage())
	}
	return messages
}

// SnapshotDiaries returns every live agent's serialized diary keyed by agent
// id.
func (r *Runtime) SnapshotDiaries() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.agents))
	for agentID, a := range r.agents {
		out[agentID] = a.Memory().Diary().Serialize()
	}
	return out
}

// PeerTimerSnapshot returns the last known ms_left per agent, excluding the
// given id when non-empty.
func (r *Runtime) PeerTimerSnapshot(exclude string) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.lastMsLeft))
	for agentID, msLeft := range r.lastMsLeft {
		if exclude != "" && agentID == exclude {
			continue
		}
		out[agentID] = msLeft
	}
	return out
}

// SnapshotAgentRoutes reports which provider/model each agent was routed to.
func (r *Runtime) SnapshotAgentRoutes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.agents))
	for agentID, a := range r.agents {
		config := a.Session().Config
		out[agentID] = string(config.Provider) + "/" + config.Model
	}
	return out
}

// Shutdown cancels every timer, waits for their loops, drains the
// coordinator, clears the maps, and closes clients that advertise Close.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	timers := make([]*timer.Timer, 0, len(r.timers))
	for _, tm := range r.timers {
		timers = append(timers, tm)
	}
	r.mu.Unlock()

	for _, tm := range timers {
		tm.Cancel()
	}
	done := make(chan struct{})
	go func() {
		for _, tm := range timers {
			tm.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.coordinator.Close()

	r.mu.Lock()
	r.agents = make(map[string]*agent.Agent)
	r.timers = make(map[string]*timer.Timer)
	r.lastMsLeft = make(map[string]int64)
	r.mu.Unlock()

	for _, client := range r.registry.Clients() {
		if closer, ok := client.(llm.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.Warn("Client close failed", "provider", client.Provider(), "error", err)
			}
		}
	}
	return nil
}
