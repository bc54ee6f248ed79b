// Package usage derives per-turn metrics from agent execution traces.
package usage

import (
	"time"

	"github.com/harun/dschat/pkg/session"
)

// ToolCall is one tool invocation observed during a turn
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// TokenUsage reports token consumption for one model call
type TokenUsage struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
	Total  int `json:"total_tokens"`
}

// Trace is everything a turn execution reports beyond its answer text.
// A turn may involve several model calls, each with its own usage entry.
type Trace struct {
	ToolCalls []ToolCall   `json:"tool_calls"`
	Usage     []TokenUsage `json:"usage"`
}

// Extract folds a trace into turn metadata. Tool counts aggregate by
// name, token counts sum across model calls, and an empty trace yields
// empty counts rather than nil. Identical inputs always produce
// identical aggregates; Extract touches no shared state.
func Extract(trace Trace, elapsed time.Duration) session.Metadata {
	tools := make(map[string]int, len(trace.ToolCalls))
	for _, call := range trace.ToolCalls {
		if call.Name == "" {
			continue
		}
		tools[call.Name]++
	}

	var tokens session.TokenCounts
	for _, u := range trace.Usage {
		tokens.Input += u.Input
		tokens.Output += u.Output
		tokens.Total += u.Total
	}
	if tokens.Total == 0 {
		tokens.Total = tokens.Input + tokens.Output
	}

	return session.Metadata{
		Tools:  tools,
		Tokens: tokens,
		TimeMS: float64(elapsed) / float64(time.Millisecond),
	}
}
