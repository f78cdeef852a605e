package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MockClient is a deterministic offline client that echoes its prompt
// context. It backs local experiments and the test suite; no credentials, no
// network.
type MockClient struct{}

// NewMockClient creates the offline mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Provider identifies this client.
func (c *MockClient) Provider() Provider {
	return ProviderMock
}

// CreateSession mints a mock session.
func (c *MockClient) CreateSession(_ context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         "mock-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

// Complete summarizes the incoming messages into a short deterministic
// response so transcripts remain inspectable.
func (c *MockClient) Complete(_ context.Context, _ *Session, messages []Message, _ []ToolSpec) (*Completion, error) {
	var lines []string

	body := messages
	if len(messages) > 0 {
		if msLeft, cause, ok := ParseTickToolMessage(messages[0]); ok {
			if msLeft != nil {
				lines = append(lines, fmt.Sprintf("[tick %d ms left | cause: %s]", *msLeft, cause))
			} else {
				lines = append(lines, fmt.Sprintf("[tick hidden | cause: %s]", cause))
			}
			body = messages[1:]
		}
	}

	var latestUser string
	for i := len(body) - 1; i >= 0; i-- {
		if body[i].Role == RoleUser {
			latestUser = body[i].Content
			break
		}
	}
	if latestUser != "" {
		lines = append(lines, "User focus: "+truncate(latestUser, 240))
	}

	var systemContext []string
	for _, msg := range body {
		if (msg.Role == RoleSystem || msg.Role == RoleDeveloper) && msg.Content != "" {
			systemContext = append(systemContext, msg.Content)
		}
	}
	if len(systemContext) > 0 {
		lines = append(lines, "Context: "+truncate(strings.Join(systemContext, " | "), 240))
	}

	if len(lines) == 0 {
		lines = append(lines, "Mock agent idles, no meaningful prompt received.")
	}
	lines = append(lines, "Plan: reflect, observe peers, log actionable insight.")

	return &Completion{
		Text:     strings.Join(lines, "\n"),
		Metadata: map[string]any{"model": "mock", "completed_at": time.Now().UTC().Format(time.RFC3339Nano)},
	}, nil
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
