package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolHandler executes one tool call and returns its JSON-serializable
// result.
type ToolHandler func(ctx context.Context, call ToolCall) (map[string]any, error)

// maxToolRounds bounds the completion/tool-result loop so a model that keeps
// requesting tools cannot spin forever.
const maxToolRounds = 4

// CompleteWithTools drives the tool-call loop on top of Client.Complete: when
// a completion requests tools, each call is dispatched to the handler, the
// results are appended to the pending messages, and the completion is retried
// with the enriched context. Returns the final completion and the full list
// of messages that were sent (so the caller can persist them into history).
func CompleteWithTools(ctx context.Context, client Client, session *Session, messages []Message, tools []ToolSpec, handler ToolHandler) (*Completion, []Message, error) {
	pending := make([]Message, len(messages))
	copy(pending, messages)

	for round := 0; ; round++ {
		completion, err := client.Complete(ctx, session, pending, tools)
		if err != nil {
			return nil, pending, err
		}
		if len(completion.ToolCalls) == 0 || handler == nil || round >= maxToolRounds {
			return completion, pending, nil
		}

		// Record the assistant turn that requested the tools before its
		// results, so history reads causally: request, then results.
		request := NewMessage(RoleAssistant, completion.Text)
		calls := make([]map[string]any, 0, len(completion.ToolCalls))
		for _, call := range completion.ToolCalls {
			calls = append(calls, map[string]any{
				"name":      call.Name,
				"arguments": call.Arguments,
				"call_id":   call.CallID,
			})
		}
		request.Metadata = map[string]any{"tool_calls": calls}
		pending = append(pending, request)

		for _, call := range completion.ToolCalls {
			result, err := handler(ctx, call)
			if err != nil {
				result = map[string]any{"error": err.Error()}
			}
			body, err := json.Marshal(result)
			if err != nil {
				body = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
			}
			msg := NewMessage(RoleTool, string(body))
			msg.Name = call.Name
			if call.CallID != "" {
				msg.Metadata = map[string]any{"tool_call_id": call.CallID}
			}
			pending = append(pending, msg)
		}
	}
}
