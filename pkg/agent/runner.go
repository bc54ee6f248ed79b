package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const defaultSystemPrompt = "You are a data dictionary assistant. Answer questions " +
	"about the available tables using the provided tools. Use list_tables to discover " +
	"tables, describe_table for column details, and count_rows for volumes. Answer " +
	"concisely and only from tool output."

// RunnerConfig configures the agent loop
type RunnerConfig struct {
	Provider      LLMProvider
	Toolbox       *Toolbox
	Model         string
	MaxTokens     int
	MaxIterations int
	SystemPrompt  string
	AllowedTools  []string
	Logger        zerolog.Logger
}

// Runner drives the model-tool loop for one turn at a time
type Runner struct {
	cfg   RunnerConfig
	tools []ToolDefinition
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Toolbox == nil {
		return nil, fmt.Errorf("toolbox is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	tools := cfg.Toolbox.Definitions()
	if len(cfg.AllowedTools) > 0 {
		filtered := tools[:0]
		for _, tool := range tools {
			for _, name := range cfg.AllowedTools {
				if tool.Name == name {
					filtered = append(filtered, tool)
					break
				}
			}
		}
		tools = filtered
	}

	return &Runner{cfg: cfg, tools: tools}, nil
}

// Run executes one turn: the prompt plus prior history go to the model,
// tool calls are executed until the model produces a final answer.
func (r *Runner) Run(ctx context.Context, prompt string, history []Message) (RunResult, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	var result RunResult
	start := time.Now()

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		response, err := r.cfg.Provider.Call(ctx, LLMRequest{
			Model:        r.cfg.Model,
			Messages:     messages,
			Tools:        r.tools,
			MaxTokens:    r.cfg.MaxTokens,
			SystemPrompt: r.cfg.SystemPrompt,
		})
		if err != nil {
			return RunResult{}, fmt.Errorf("model call failed: %w", err)
		}
		if response.Usage != nil {
			result.Usage = append(result.Usage, *response.Usage)
		}

		if len(response.ToolCalls) == 0 {
			result.Response = response.Content
			r.cfg.Logger.Debug().
				Int("iterations", iteration+1).
				Int("tool_calls", len(result.ToolCalls)).
				Dur("elapsed", time.Since(start)).
				Msg("Turn finished")
			return result, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, call)

			output, err := r.cfg.Toolbox.Execute(ctx, call)
			if err != nil {
				// Tool failures go back to the model, which can adjust
				output = fmt.Sprintf("error: %v", err)
				r.cfg.Logger.Warn().Str("tool", call.Name).Err(err).Msg("Tool call failed")
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	return RunResult{}, fmt.Errorf("turn exceeded %d iterations without a final answer", r.cfg.MaxIterations)
}
