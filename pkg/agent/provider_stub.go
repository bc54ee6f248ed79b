package agent

import (
	"context"
	"fmt"
	"strings"
)

// StubProvider is a deterministic offline provider. It exercises the
// full tool loop: a prompt that mentions tables triggers a list_tables
// call, and the follow-up call produces a final answer from the tool
// result.
type StubProvider struct{}

// NewStubProvider creates a stub provider
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// Provider returns the provider name
func (p *StubProvider) Provider() string {
	return "stub"
}

// Call answers without any network access
func (p *StubProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if len(request.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	last := request.Messages[len(request.Messages)-1]

	// After a tool result, produce the final answer
	if last.Role == "tool" {
		return &LLMResponse{
			Content: fmt.Sprintf("Based on the data dictionary: %s", last.Content),
			Usage:   &TokenUsage{InputTokens: p.countTokens(request.Messages), OutputTokens: 12},
		}, nil
	}

	prompt := strings.ToLower(last.Content)
	if len(request.Tools) > 0 && strings.Contains(prompt, "table") {
		return &LLMResponse{
			ToolCalls: []ToolCall{{
				ID:         "stub-call-1",
				Name:       "list_tables",
				Parameters: map[string]interface{}{},
			}},
			Usage: &TokenUsage{InputTokens: p.countTokens(request.Messages), OutputTokens: 5},
		}, nil
	}

	return &LLMResponse{
		Content: fmt.Sprintf("You said: %s", last.Content),
		Usage:   &TokenUsage{InputTokens: p.countTokens(request.Messages), OutputTokens: 8},
	}, nil
}

// countTokens approximates tokens as whitespace-separated words
func (p *StubProvider) countTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	return total
}
