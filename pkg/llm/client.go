// Package llm defines the provider-agnostic LLM collaborator contract: chat
// messages, session configuration, the Client interface every provider
// implements, and the tick tool message that carries countdown state to the
// model on every turn.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

// Message roles understood by every provider adapter.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// Message is the unified chat message model across providers.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TS       time.Time      `json:"ts"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, TS: time.Now().UTC()}
}

// ToolCall is an LLM's request to invoke a tool.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id,omitempty"`
	TS        time.Time      `json:"ts"`
}

// ToolSpec describes a tool offered to the model, in OpenAI function-call
// schema (the common denominator across the supported providers).
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Completion is one response from the collaborator: assistant text, any tool
// calls the model requested, and provider metadata (model id, usage, ...).
type Completion struct {
	Text      string         `json:"text"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionConfig holds provider-agnostic session knobs.
type SessionConfig struct {
	Provider        Provider       `json:"provider"`
	Model           string         `json:"model"`
	SystemPrompt    string         `json:"system_prompt"`
	Temperature     float64        `json:"temperature"`
	TopP            float64        `json:"top_p"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DefaultSessionConfig returns a config with the sampling defaults shared by
// all experiments.
func DefaultSessionConfig(provider Provider, model string) SessionConfig {
	return SessionConfig{
		Provider:    provider,
		Model:       model,
		Temperature: 0.7,
		TopP:        0.9,
	}
}

// Session is an active conversation with a provider. History accumulates the
// messages exchanged so far; Attributes carries provider-private state.
type Session struct {
	ID         string
	Config     SessionConfig
	History    []Message
	Attributes map[string]any
}

// Append adds a message to the session history.
func (s *Session) Append(msg Message) {
	s.History = append(s.History, msg)
}

// Client is the minimal interface every provider adapter implements.
// Complete blocks for one full completion; streaming is a provider-internal
// concern. Providers that hold connections additionally implement Closer.
type Client interface {
	Provider() Provider
	CreateSession(ctx context.Context, config SessionConfig) (*Session, error)
	Complete(ctx context.Context, session *Session, messages []Message, tools []ToolSpec) (*Completion, error)
}

// Closer is implemented by clients that need explicit resource release.
// The runtime detects it via type assertion at shutdown.
type Closer interface {
	Close() error
}

// TickToolName is the reserved tool name carrying countdown state.
const TickToolName = "mortality.tick"

// tickPayload is the JSON body of a tick tool message. TMsLeft is a pointer so
// a hidden countdown serializes as null rather than zero.
type tickPayload struct {
	TMsLeft *int64 `json:"t_ms_left"`
	Cause   string `json:"cause"`
}

// MakeTickToolMessage encodes a timer tick as a tool message. Pass a nil
// msLeft to withhold the remaining time from the model.
func MakeTickToolMessage(msLeft *int64, cause string) Message {
	if cause == "" {
		cause = "countdown"
	}
	body, _ := json.Marshal(tickPayload{TMsLeft: msLeft, Cause: cause})
	msg := NewMessage(RoleTool, string(body))
	msg.Name = TickToolName
	return msg
}

// ParseTickToolMessage decodes a tick tool message body. Returns ok=false for
// messages that are not well-formed tick payloads.
func ParseTickToolMessage(msg Message) (msLeft *int64, cause string, ok bool) {
	if msg.Role != RoleTool || msg.Name != TickToolName {
		return nil, "", false
	}
	var p tickPayload
	if err := json.Unmarshal([]byte(msg.Content), &p); err != nil {
		return nil, "", false
	}
	if p.Cause == "" {
		p.Cause = "countdown"
	}
	return p.TMsLeft, p.Cause, true
}
