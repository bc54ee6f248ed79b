package agentproc

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/dschat/pkg/session"
	"github.com/harun/dschat/pkg/usage"
)

// Wire message types. The parent writes one JSON object per line to the
// agent's stdin and reads one JSON object per line from its stdout.
const (
	msgInit     = "init"
	msgReady    = "ready"
	msgTurn     = "turn"
	msgReply    = "reply"
	msgError    = "error"
	msgLog      = "log"
	msgShutdown = "shutdown"

	// msgMalformed never appears on the wire; the stdout pump
	// substitutes it for lines that fail protocol validation so the
	// waiting turn observes the violation instead of timing out.
	msgMalformed = "malformed"
)

// initMessage configures the agent before its first turn
type initMessage struct {
	Type         string   `json:"type"`
	Tables       []string `json:"tables,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// turnMessage carries one prompt plus bounded history
type turnMessage struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	History []session.Turn `json:"history,omitempty"`
}

// shutdownMessage asks the agent to exit cleanly
type shutdownMessage struct {
	Type string `json:"type"`
}

// agentMessage is any line the agent writes to stdout
type agentMessage struct {
	Type     string             `json:"type"`
	ID       string             `json:"id,omitempty"`
	Response string             `json:"response,omitempty"`
	Tools    []usage.ToolCall   `json:"tool_calls,omitempty"`
	Usage    []usage.TokenUsage `json:"usage,omitempty"`
	Error    string             `json:"error,omitempty"`
	Level    string             `json:"level,omitempty"`
	Message  string             `json:"message,omitempty"`
	Tables   []string           `json:"tables,omitempty"`
}

const agentMessageSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["ready", "reply", "error", "log"]},
		"id": {"type": "string"},
		"response": {"type": "string"},
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"input": {"type": "string"}
				}
			}
		},
		"usage": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"input_tokens": {"type": "integer", "minimum": 0},
					"output_tokens": {"type": "integer", "minimum": 0},
					"total_tokens": {"type": "integer", "minimum": 0}
				}
			}
		},
		"error": {"type": "string"},
		"level": {"type": "string"},
		"message": {"type": "string"},
		"tables": {"type": "array", "items": {"type": "string"}}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "reply"}}},
			"then": {"required": ["type", "id", "response"]}
		},
		{
			"if": {"properties": {"type": {"const": "error"}}},
			"then": {"required": ["type", "error"]}
		}
	]
}`

var compiledAgentSchema = gojsonschema.NewStringLoader(agentMessageSchema)

// parseAgentMessage validates one stdout line against the protocol
// schema before decoding it. Malformed lines are protocol violations,
// not agent errors.
func parseAgentMessage(line []byte) (*agentMessage, error) {
	result, err := gojsonschema.Validate(compiledAgentSchema, gojsonschema.NewBytesLoader(line))
	if err != nil {
		return nil, fmt.Errorf("agent message is not valid JSON: %w", err)
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return nil, fmt.Errorf("agent message violates protocol: %s", result.Errors()[0])
		}
		return nil, fmt.Errorf("agent message violates protocol")
	}

	var msg agentMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode agent message: %w", err)
	}
	return &msg, nil
}
