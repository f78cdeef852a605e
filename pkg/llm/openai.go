package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAICompatClient serves every provider that speaks the OpenAI chat
// completions protocol: openai itself plus openrouter, grok (xAI) and gemini
// through their compatibility endpoints. The provider identity and base URL
// are fixed at construction.
type OpenAICompatClient struct {
	provider Provider
	api      openai.Client
	headers  []option.RequestOption
}

// Compatibility endpoint base URLs.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	grokBaseURL       = "https://api.x.ai/v1"
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

func newOpenAICompat(provider Provider, keyEnv, baseURL string, extra ...option.RequestOption) (*OpenAICompatClient, error) {
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s requires %s", ErrProviderUnavailable, provider, keyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	return &OpenAICompatClient{provider: provider, api: openai.NewClient(opts...)}, nil
}

// NewOpenAIClient builds a client for api.openai.com from OPENAI_API_KEY.
func NewOpenAIClient() (*OpenAICompatClient, error) {
	return newOpenAICompat(ProviderOpenAI, "OPENAI_API_KEY", "")
}

// NewOpenRouterClient builds a client for openrouter.ai from
// OPENROUTER_API_KEY. Optional OPENROUTER_HTTP_REFERER and
// OPENROUTER_APP_TITLE are forwarded as attribution headers.
func NewOpenRouterClient() (*OpenAICompatClient, error) {
	var extra []option.RequestOption
	if referer := os.Getenv("OPENROUTER_HTTP_REFERER"); referer != "" {
		extra = append(extra, option.WithHeader("HTTP-Referer", referer))
	}
	if title := os.Getenv("OPENROUTER_APP_TITLE"); title != "" {
		extra = append(extra, option.WithHeader("X-Title", title))
	}
	return newOpenAICompat(ProviderOpenRouter, "OPENROUTER_API_KEY", openRouterBaseURL, extra...)
}

// NewGrokClient builds a client for the xAI API from XAI_API_KEY.
func NewGrokClient() (*OpenAICompatClient, error) {
	return newOpenAICompat(ProviderGrok, "XAI_API_KEY", grokBaseURL)
}

// NewGeminiClient builds a client for the Google Generative Language
// OpenAI-compatibility endpoint from GOOGLE_API_KEY.
func NewGeminiClient() (*OpenAICompatClient, error) {
	return newOpenAICompat(ProviderGemini, "GOOGLE_API_KEY", geminiBaseURL)
}

// Provider returns the provider identity fixed at construction.
func (c *OpenAICompatClient) Provider() Provider {
	return c.provider
}

// CreateSession allocates a session; the protocol is stateless so this only
// mints an ID and captures the config.
func (c *OpenAICompatClient) CreateSession(_ context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         uuid.New().String(),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

// Complete issues one chat completion over the session history plus the new
// messages. Tool calls requested by the model are returned to the caller;
// nothing is appended to the session here (the agent owns history).
func (c *OpenAICompatClient) Complete(ctx context.Context, session *Session, messages []Message, tools []ToolSpec) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(session.Config.Model),
		Messages: c.renderMessages(session, messages),
	}
	params.Temperature = openai.Float(session.Config.Temperature)
	params.TopP = openai.Float(session.Config.TopP)
	if session.Config.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(session.Config.MaxOutputTokens))
	}
	for _, spec := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  shared.FunctionParameters(spec.Parameters),
		}))
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: empty choices", c.provider)
	}

	choice := resp.Choices[0]
	completion := &Completion{
		Text: choice.Message.Content,
		Metadata: map[string]any{
			"model":         resp.Model,
			"finish_reason": string(choice.FinishReason),
		},
	}
	if resp.Usage.TotalTokens > 0 {
		completion.Metadata["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	for _, call := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.Function.Arguments),
			CallID:    call.ID,
			TS:        time.Now().UTC(),
		})
	}
	return completion, nil
}

// renderMessages converts the internal message model to the OpenAI chat
// schema. Tick and tool messages are rendered as labelled user text so the
// conversation stays valid for every compatibility endpoint regardless of how
// strictly it enforces tool-call pairing.
func (c *OpenAICompatClient) renderMessages(session *Session, fresh []Message) []openai.ChatCompletionMessageParamUnion {
	all := make([]Message, 0, len(session.History)+len(fresh))
	all = append(all, session.History...)
	all = append(all, fresh...)

	rendered := make([]openai.ChatCompletionMessageParamUnion, 0, len(all)+1)
	if session.Config.SystemPrompt != "" {
		rendered = append(rendered, openai.SystemMessage(session.Config.SystemPrompt))
	}
	for _, msg := range all {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			rendered = append(rendered, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			rendered = append(rendered, openai.AssistantMessage(msg.Content))
		case RoleTool:
			rendered = append(rendered, openai.UserMessage(formatToolAsText(msg)))
		default:
			rendered = append(rendered, openai.UserMessage(msg.Content))
		}
	}
	return rendered
}

// formatToolAsText renders tool emissions (like countdown ticks) into
// readable text.
func formatToolAsText(msg Message) string {
	if msg.Name == TickToolName {
		return "[tick] " + msg.Content
	}
	label := msg.Name
	if label == "" {
		label = "tool"
	}
	return "[tool:" + label + "] " + msg.Content
}

// parseToolArguments best-effort decodes function-call arguments.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}
