package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays a fixed sequence of completions; the last one
// repeats once the script runs out.
type scriptedClient struct {
	script    []*Completion
	completes int
}

func (c *scriptedClient) Provider() Provider {
	return ProviderMock
}

func (c *scriptedClient) CreateSession(_ context.Context, config SessionConfig) (*Session, error) {
	return &Session{ID: "scripted", Config: config, Attributes: make(map[string]any)}, nil
}

func (c *scriptedClient) Complete(_ context.Context, _ *Session, _ []Message, _ []ToolSpec) (*Completion, error) {
	idx := c.completes
	c.completes++
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	return c.script[idx], nil
}

func statusCall(callID string) ToolCall {
	return ToolCall{
		Name:      "peer_timer_status",
		Arguments: map[string]any{"include_self": true},
		CallID:    callID,
		TS:        time.Now().UTC(),
	}
}

func TestCompleteWithToolsDispatchesAndRecordsRound(t *testing.T) {
	client := &scriptedClient{script: []*Completion{
		{Text: "checking timers", ToolCalls: []ToolCall{statusCall("call-1")}},
		{Text: "all peers active"},
	}}
	session, err := client.CreateSession(context.Background(), DefaultSessionConfig(ProviderMock, "mock"))
	require.NoError(t, err)

	var handled []ToolCall
	handler := func(_ context.Context, call ToolCall) (map[string]any, error) {
		handled = append(handled, call)
		return map[string]any{"status": "ok"}, nil
	}

	prompt := []Message{NewMessage(RoleUser, "how are the peers doing?")}
	completion, sent, err := CompleteWithTools(context.Background(), client, session, prompt, nil, handler)
	require.NoError(t, err)

	assert.Equal(t, "all peers active", completion.Text)
	assert.Equal(t, 2, client.completes)
	require.Len(t, handled, 1)
	assert.Equal(t, "peer_timer_status", handled[0].Name)
	assert.Equal(t, "call-1", handled[0].CallID)

	// prompt, assistant request, tool result — in causal order.
	require.Len(t, sent, 3)
	assert.Equal(t, RoleUser, sent[0].Role)

	request := sent[1]
	assert.Equal(t, RoleAssistant, request.Role)
	assert.Equal(t, "checking timers", request.Content)
	calls, ok := request.Metadata["tool_calls"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
	assert.Equal(t, "peer_timer_status", calls[0]["name"])
	assert.Equal(t, "call-1", calls[0]["call_id"])

	result := sent[2]
	assert.Equal(t, RoleTool, result.Role)
	assert.Equal(t, "peer_timer_status", result.Name)
	assert.JSONEq(t, `{"status":"ok"}`, result.Content)
	assert.Equal(t, "call-1", result.Metadata["tool_call_id"])
}

func TestCompleteWithToolsHandlerErrorBecomesResult(t *testing.T) {
	client := &scriptedClient{script: []*Completion{
		{ToolCalls: []ToolCall{statusCall("call-1")}},
		{Text: "done"},
	}}
	session, err := client.CreateSession(context.Background(), DefaultSessionConfig(ProviderMock, "mock"))
	require.NoError(t, err)

	handler := func(_ context.Context, _ ToolCall) (map[string]any, error) {
		return nil, errors.New("tracker offline")
	}

	completion, sent, err := CompleteWithTools(context.Background(), client, session, nil, nil, handler)
	require.NoError(t, err, "handler errors feed the model, not the caller")
	assert.Equal(t, "done", completion.Text)

	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"error":"tracker offline"}`, sent[1].Content)
}

func TestCompleteWithToolsBoundedRounds(t *testing.T) {
	client := &scriptedClient{script: []*Completion{
		{Text: "again", ToolCalls: []ToolCall{statusCall("call-1")}},
	}}
	session, err := client.CreateSession(context.Background(), DefaultSessionConfig(ProviderMock, "mock"))
	require.NoError(t, err)

	handlerRuns := 0
	handler := func(_ context.Context, _ ToolCall) (map[string]any, error) {
		handlerRuns++
		return map[string]any{"status": "ok"}, nil
	}

	completion, _, err := CompleteWithTools(context.Background(), client, session, nil, nil, handler)
	require.NoError(t, err)

	assert.Equal(t, maxToolRounds, handlerRuns, "a tool-hungry model is cut off")
	assert.Equal(t, maxToolRounds+1, client.completes)
	assert.NotEmpty(t, completion.ToolCalls, "the final completion returns as-is")
}

func TestCompleteWithToolsNilHandlerReturnsImmediately(t *testing.T) {
	client := &scriptedClient{script: []*Completion{
		{Text: "wants tools", ToolCalls: []ToolCall{statusCall("call-1")}},
	}}
	session, err := client.CreateSession(context.Background(), DefaultSessionConfig(ProviderMock, "mock"))
	require.NoError(t, err)

	prompt := []Message{NewMessage(RoleUser, "hello")}
	completion, sent, err := CompleteWithTools(context.Background(), client, session, prompt, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, client.completes)
	assert.Len(t, sent, 1, "no tool round recorded without a handler")
	assert.NotEmpty(t, completion.ToolCalls)
}
