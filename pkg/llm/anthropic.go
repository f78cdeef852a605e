package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// anthropicDefaultMaxTokens caps completions when the session config does not
// set one; the Messages API requires an explicit limit.
const anthropicDefaultMaxTokens = 1024

// AnthropicClient implements Client on top of the Claude Messages API.
type AnthropicClient struct {
	api sdk.Client
}

// NewAnthropicClient builds a client from ANTHROPIC_API_KEY.
func NewAnthropicClient() (*AnthropicClient, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("%w: anthropic requires ANTHROPIC_API_KEY", ErrProviderUnavailable)
	}
	return &AnthropicClient{api: sdk.NewClient(option.WithAPIKey(key))}, nil
}

// Provider identifies this client.
func (c *AnthropicClient) Provider() Provider {
	return ProviderAnthropic
}

// CreateSession mints a session; the Messages API is stateless.
func (c *AnthropicClient) CreateSession(_ context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         uuid.New().String(),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

// Complete issues one Messages.New call over the session history plus the new
// messages and translates the response content blocks.
func (c *AnthropicClient) Complete(ctx context.Context, session *Session, messages []Message, tools []ToolSpec) (*Completion, error) {
	system, conversation := c.renderMessages(session, messages)
	maxTokens := session.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(session.Config.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	params.Temperature = sdk.Float(session.Config.Temperature)
	params.TopP = sdk.Float(session.Config.TopP)
	for _, spec := range tools {
		tool := sdk.ToolParam{
			Name:        spec.Name,
			InputSchema: toolInputSchema(spec.Parameters),
		}
		if spec.Description != "" {
			tool.Description = sdk.String(spec.Description)
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: &tool})
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	completion := &Completion{
		Metadata: map[string]any{
			"model":       string(msg.Model),
			"stop_reason": string(msg.StopReason),
			"usage": map[string]any{
				"input_tokens":  msg.Usage.InputTokens,
				"output_tokens": msg.Usage.OutputTokens,
			},
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(b.Text)
		case sdk.ToolUseBlock:
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				Name:      b.Name,
				Arguments: parseToolArguments(string(b.Input)),
				CallID:    b.ID,
				TS:        time.Now().UTC(),
			})
		}
	}
	completion.Text = text.String()
	return completion, nil
}

// renderMessages folds system/developer messages into the detached system
// string and renders the remainder as alternating user/assistant turns. Tool
// emissions become labelled user text, same as the OpenAI-compatible path.
func (c *AnthropicClient) renderMessages(session *Session, fresh []Message) (string, []sdk.MessageParam) {
	all := make([]Message, 0, len(session.History)+len(fresh))
	all = append(all, session.History...)
	all = append(all, fresh...)

	system := session.Config.SystemPrompt
	conversation := make([]sdk.MessageParam, 0, len(all))
	for _, msg := range all {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			if system == "" {
				system = msg.Content
			} else {
				system += "\n" + msg.Content
			}
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		case RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(formatToolAsText(msg))))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	return system, conversation
}

// toolInputSchema maps a JSON-schema parameters object onto the SDK's input
// schema param, which wants the properties split out.
func toolInputSchema(parameters map[string]any) sdk.ToolInputSchemaParam {
	schema := sdk.ToolInputSchemaParam{}
	if props, ok := parameters["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := parameters["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}
