package agentproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentMessage(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		shouldErr bool
	}{
		{"ready", `{"type":"ready","tables":["users"]}`, false},
		{"reply", `{"type":"reply","id":"turn-1","response":"hi"}`, false},
		{"reply with trace", `{"type":"reply","id":"turn-1","response":"hi","tool_calls":[{"name":"query","input":"select 1"}],"usage":[{"input_tokens":1,"output_tokens":2,"total_tokens":3}]}`, false},
		{"error", `{"type":"error","error":"boom"}`, false},
		{"log", `{"type":"log","level":"info","message":"starting"}`, false},
		{"missing type", `{"id":"turn-1"}`, true},
		{"unknown type", `{"type":"surprise"}`, true},
		{"reply without response", `{"type":"reply","id":"turn-1"}`, true},
		{"error without message", `{"type":"error"}`, true},
		{"tool call without name", `{"type":"reply","id":"t","response":"x","tool_calls":[{"input":"y"}]}`, true},
		{"negative tokens", `{"type":"reply","id":"t","response":"x","usage":[{"input_tokens":-1}]}`, true},
		{"not json", `hello world`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseAgentMessage([]byte(tt.line))
			if tt.shouldErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Type)
		})
	}
}

func TestParseAgentMessage_DecodesTrace(t *testing.T) {
	msg, err := parseAgentMessage([]byte(`{"type":"reply","id":"turn-9","response":"done","tool_calls":[{"name":"list_tables"},{"name":"list_tables"}],"usage":[{"input_tokens":10,"output_tokens":5,"total_tokens":15}]}`))
	require.NoError(t, err)

	assert.Equal(t, "turn-9", msg.ID)
	assert.Equal(t, "done", msg.Response)
	require.Len(t, msg.Tools, 2)
	assert.Equal(t, "list_tables", msg.Tools[0].Name)
	require.Len(t, msg.Usage, 1)
	assert.Equal(t, 15, msg.Usage[0].Total)
}
