package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// StdioOptions configures the stdio protocol server
type StdioOptions struct {
	Provider     string
	APIKey       string
	Model        string
	DatabasePath string
	Tables       []string
	Logger       zerolog.Logger
}

// StdioServer speaks the backend's line-delimited JSON protocol: it
// waits for init, answers ready, then serves turn messages until
// shutdown or EOF.
type StdioServer struct {
	options StdioOptions
	in      *bufio.Scanner
	out     io.Writer
	outMu   sync.Mutex
	runner  *Runner
	toolbox *Toolbox
	logger  zerolog.Logger
}

type inboundMessage struct {
	Type         string     `json:"type"`
	ID           string     `json:"id,omitempty"`
	Prompt       string     `json:"prompt,omitempty"`
	History      []wireTurn `json:"history,omitempty"`
	Tables       []string   `json:"tables,omitempty"`
	AllowedTools []string   `json:"allowed_tools,omitempty"`
}

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type outboundMessage struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Response string         `json:"response,omitempty"`
	Tools    []wireToolCall `json:"tool_calls,omitempty"`
	Usage    []wireUsage    `json:"usage,omitempty"`
	Error    string         `json:"error,omitempty"`
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message,omitempty"`
	Tables   []string       `json:"tables,omitempty"`
}

// NewStdioServer creates a protocol server over the given streams
func NewStdioServer(options StdioOptions, in io.Reader, out io.Writer) *StdioServer {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	return &StdioServer{
		options: options,
		in:      scanner,
		out:     out,
		logger:  options.Logger,
	}
}

// Serve processes messages until shutdown or EOF
func (s *StdioServer) Serve(ctx context.Context) error {
	defer func() {
		if s.toolbox != nil {
			s.toolbox.Close()
		}
	}()

	for s.in.Scan() {
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.write(outboundMessage{Type: "error", Error: fmt.Sprintf("invalid message: %v", err)})
			continue
		}

		switch msg.Type {
		case "init":
			if err := s.handleInit(msg); err != nil {
				s.write(outboundMessage{Type: "error", Error: err.Error()})
				return err
			}

		case "turn":
			s.handleTurn(ctx, msg)

		case "shutdown":
			s.logger.Info().Msg("Shutdown requested")
			return nil

		default:
			s.write(outboundMessage{Type: "error", ID: msg.ID, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
	return s.in.Err()
}

func (s *StdioServer) handleInit(msg inboundMessage) error {
	tables := s.options.Tables
	if len(msg.Tables) > 0 {
		tables = msg.Tables
	}

	toolbox, err := NewToolbox(s.options.DatabasePath, tables)
	if err != nil {
		return fmt.Errorf("failed to build toolbox: %w", err)
	}

	provider, err := NewProvider(s.options.Provider, s.options.APIKey)
	if err != nil {
		toolbox.Close()
		return err
	}

	runner, err := NewRunner(RunnerConfig{
		Provider:     provider,
		Toolbox:      toolbox,
		Model:        s.options.Model,
		AllowedTools: msg.AllowedTools,
		Logger:       s.logger,
	})
	if err != nil {
		toolbox.Close()
		return err
	}

	s.toolbox = toolbox
	s.runner = runner

	s.logger.Info().
		Str("provider", provider.Provider()).
		Strs("tables", tables).
		Msg("Agent initialized")

	s.write(outboundMessage{Type: "ready", Tables: tables})
	return nil
}

func (s *StdioServer) handleTurn(ctx context.Context, msg inboundMessage) {
	if s.runner == nil {
		s.write(outboundMessage{Type: "error", ID: msg.ID, Error: "turn before init"})
		return
	}

	history := make([]Message, 0, len(msg.History))
	for _, t := range msg.History {
		history = append(history, Message{Role: t.Role, Content: t.Content})
	}

	result, err := s.runner.Run(ctx, msg.Prompt, history)
	if err != nil {
		s.write(outboundMessage{Type: "error", ID: msg.ID, Error: err.Error()})
		return
	}

	out := outboundMessage{
		Type:     "reply",
		ID:       msg.ID,
		Response: result.Response,
	}
	for _, call := range result.ToolCalls {
		wire := wireToolCall{Name: call.Name}
		if len(call.Parameters) > 0 {
			if data, err := json.Marshal(call.Parameters); err == nil {
				wire.Input = string(data)
			}
		}
		out.Tools = append(out.Tools, wire)
	}
	for _, u := range result.Usage {
		out.Usage = append(out.Usage, wireUsage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.InputTokens + u.OutputTokens,
		})
	}

	s.write(out)
}

func (s *StdioServer) write(msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode outbound message")
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}
