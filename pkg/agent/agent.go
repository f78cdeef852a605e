package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/telemetry"
)

// ErrExpired is returned by React when the agent has already died.
var ErrExpired = errors.New("agent is already dead")

// ReactOptions tunes one React call. Zero value: reveal the countdown, cause
// "countdown", no tools.
type ReactOptions struct {
	HideTickMs  bool
	Cause       string
	Tools       []llm.ToolSpec
	ToolHandler llm.ToolHandler
}

// Agent wraps an LLM session with countdown-aware utilities. ioMu guarantees
// at most one in-flight completion per agent, independent of the global turn
// coordinator.
type Agent struct {
	client llm.Client
	state  *State
	sink   telemetry.Sink

	ioMu    sync.Mutex
	stateMu sync.Mutex
}

// New wraps an existing state. Sink may be nil.
func New(client llm.Client, state *State, sink telemetry.Sink) *Agent {
	if sink == nil {
		sink = telemetry.NullSink{}
	}
	return &Agent{client: client, state: state, sink: sink}
}

// Spawn creates the session and builds the agent around a fresh state.
func Spawn(ctx context.Context, client llm.Client, profile Profile, memory *Memory, sessionConfig llm.SessionConfig, sink telemetry.Sink) (*Agent, error) {
	session, err := client.CreateSession(ctx, sessionConfig)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", profile.AgentID, err)
	}
	return New(client, NewState(profile, memory, session), sink), nil
}

// Profile returns the immutable identity.
func (a *Agent) Profile() Profile {
	return a.state.Profile
}

// Memory returns the owned memory capsule.
func (a *Agent) Memory() *Memory {
	return a.state.Memory
}

// Session returns the owned LLM session.
func (a *Agent) Session() *llm.Session {
	return a.state.Session
}

// Status returns the current lifecycle status.
func (a *Agent) Status() LifecycleStatus {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state.Status
}

// LastTickMs returns the most recent tick's ms_left, or false before the
// first tick.
func (a *Agent) LastTickMs() (int64, bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.state.LastTickMs == nil {
		return 0, false
	}
	return *a.state.LastTickMs, true
}

// React sends one tick-prefixed prompt to the collaborator and returns the
// assistant text. The tick tool message always comes first in the payload.
func (a *Agent) React(ctx context.Context, messages []llm.Message, tickMsLeft int64, opts ReactOptions) (string, error) {
	if a.Status() == StatusExpired {
		return "", fmt.Errorf("agent %s: %w", a.state.Profile.AgentID, ErrExpired)
	}
	cause := opts.Cause
	if cause == "" {
		cause = "countdown"
	}

	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	var payloadMs *int64
	if !opts.HideTickMs {
		ms := tickMsLeft
		payloadMs = &ms
	}
	payload := make([]llm.Message, 0, len(messages)+1)
	payload = append(payload, llm.MakeTickToolMessage(payloadMs, cause))
	payload = append(payload, messages...)
	for _, msg := range payload {
		a.emitMessageEvent("inbound", msg, tickMsLeft, cause)
	}

	handler := a.wrapToolHandler(opts.ToolHandler, tickMsLeft, cause)
	completion, sent, err := llm.CompleteWithTools(ctx, a.client, a.state.Session, payload, opts.Tools, handler)
	if err != nil {
		return "", fmt.Errorf("agent %s completion: %w", a.state.Profile.AgentID, err)
	}

	for _, msg := range sent {
		a.state.Session.Append(msg)
	}
	assistant := llm.NewMessage(llm.RoleAssistant, completion.Text)
	a.state.Session.Append(assistant)
	a.emitMessageEvent("outbound", assistant, tickMsLeft, cause)

	a.stateMu.Lock()
	ms := tickMsLeft
	a.state.LastTickMs = &ms
	a.stateMu.Unlock()

	return completion.Text, nil
}

// LogDiaryEntry appends a private diary entry and emits agent.diary_entry.
func (a *Agent) LogDiaryEntry(text string, tickMsLeft int64, tags []string) DiaryEntry {
	entry := a.state.Memory.Remember(text, tickMsLeft, tags)
	a.sink.Emit("agent.diary_entry", map[string]any{
		"agent_id": a.state.Profile.AgentID,
		"entry":    entry.AsMap(),
	})
	return entry
}

// DiaryContextMessage summarizes the latest diary entry as a system message
// for a new life, or false when the diary is empty.
func (a *Agent) DiaryContextMessage() (llm.Message, bool) {
	latest, ok := a.state.Memory.Diary().Latest()
	if !ok {
		return llm.Message{}, false
	}
	summary := fmt.Sprintf(
		"Previous life #%d notes (time remaining %d ms):\n%s",
		latest.LifeIndex, latest.TickMsLeft, latest.Text,
	)
	return llm.NewMessage(llm.RoleSystem, summary), true
}

// InjectSystemMessage appends a system message to the session without a
// completion round trip. Used for death notices and roster updates.
func (a *Agent) InjectSystemMessage(text, cause string, metadata map[string]any) {
	msg := llm.NewMessage(llm.RoleSystem, text)
	msg.Metadata = metadata

	a.ioMu.Lock()
	a.state.Session.Append(msg)
	a.ioMu.Unlock()

	lastTick, _ := a.LastTickMs()
	a.emitMessageEvent("inbound", msg, lastTick, cause)
}

// RecordDeath marks the agent expired and emits agent.death. When logEpitaph
// is set, the epitaph (or "Fell silent.") becomes a final diary entry first.
func (a *Agent) RecordDeath(epitaph string, logEpitaph bool) {
	if logEpitaph {
		if epitaph == "" {
			epitaph = "Fell silent."
		}
		lastTick, _ := a.LastTickMs()
		a.LogDiaryEntry(epitaph, lastTick, []string{"epitaph"})
	}

	a.stateMu.Lock()
	a.state.Status = StatusExpired
	var lastTickMs any
	if a.state.LastTickMs != nil {
		lastTickMs = *a.state.LastTickMs
	}
	a.stateMu.Unlock()

	a.sink.Emit("agent.death", map[string]any{
		"agent_id":     a.state.Profile.AgentID,
		"last_tick_ms": lastTickMs,
	})
}

// Respawn starts a new life and marks the agent alive again.
func (a *Agent) Respawn() {
	a.state.Memory.StartNewLife()
	a.stateMu.Lock()
	a.state.Status = StatusAlive
	a.stateMu.Unlock()

	a.sink.Emit("agent.respawn", map[string]any{
		"agent_id":   a.state.Profile.AgentID,
		"life_index": a.state.Memory.LifeIndex(),
	})
}

func (a *Agent) wrapToolHandler(handler llm.ToolHandler, tickMsLeft int64, cause string) llm.ToolHandler {
	if handler == nil {
		return nil
	}
	return func(ctx context.Context, call llm.ToolCall) (map[string]any, error) {
		a.emitToolEvent("agent.tool_call", "call", tickMsLeft, cause, map[string]any{
			"tool_call": map[string]any{
				"name":      call.Name,
				"arguments": call.Arguments,
				"ts":        call.TS.UTC().Format(time.RFC3339Nano),
			},
		})
		result, err := handler(ctx, call)

		extra := map[string]any{}
		if err != nil {
			extra["content"] = err.Error()
		} else if body, marshalErr := json.Marshal(result); marshalErr == nil {
			extra["content"] = string(body)
		}
		a.emitToolEvent("agent.tool_result", "result", tickMsLeft, cause, extra)
		return result, err
	}
}

func (a *Agent) emitToolEvent(event, kind string, tickMsLeft int64, cause string, extra map[string]any) {
	payload := map[string]any{
		"agent_id":     a.state.Profile.AgentID,
		"kind":         kind,
		"tick_ms_left": tickMsLeft,
		"cause":        cause,
		"life_index":   a.state.Memory.LifeIndex(),
		"event_ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}
	a.sink.Emit(event, payload)
}

func (a *Agent) emitMessageEvent(direction string, msg llm.Message, tickMsLeft int64, cause string) {
	a.sink.Emit("agent.message", map[string]any{
		"agent_id":     a.state.Profile.AgentID,
		"direction":    direction,
		"tick_ms_left": tickMsLeft,
		"cause":        cause,
		"life_index":   a.state.Memory.LifeIndex(),
		"message":      messageAsMap(msg),
	})
}

func messageAsMap(msg llm.Message) map[string]any {
	out := map[string]any{
		"role":    string(msg.Role),
		"content": msg.Content,
		"ts":      msg.TS.UTC().Format(time.RFC3339Nano),
	}
	if msg.Name != "" {
		out["name"] = msg.Name
	}
	if len(msg.Metadata) > 0 {
		out["metadata"] = msg.Metadata
	}
	return out
}
