package chatapi

import (
	"time"

	"github.com/harun/dschat/pkg/session"
)

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the body returned by POST /api/chat
type ChatResponse struct {
	SessionID string              `json:"session_id"`
	Response  string              `json:"response"`
	Tools     map[string]int      `json:"tools"`
	Tokens    session.TokenCounts `json:"tokens"`
	TimeMS    float64             `json:"time_ms"`
}

// SessionSummary is one entry in the session listing
type SessionSummary struct {
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	MessageCount int               `json:"message_count"`
	LastMetadata *session.Metadata `json:"last_metadata,omitempty"`
}

// SessionDetail is the body of GET /api/sessions/{id}
type SessionDetail struct {
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	MessageCount int               `json:"message_count"`
	Messages     []session.Turn    `json:"messages"`
	LastMetadata *session.Metadata `json:"last_metadata,omitempty"`
}

// SessionListResponse is the body of GET /api/sessions
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// CreateSessionResponse is the body of POST /api/sessions
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DeleteSessionResponse is the body of DELETE /api/sessions/{id}
type DeleteSessionResponse struct {
	Message   string `json:"message"`
	Deleted   bool   `json:"deleted"`
	SessionID string `json:"session_id"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status           string  `json:"status"`
	AgentInitialized bool    `json:"agent_initialized"`
	AgentState       string  `json:"agent_state"`
	ActiveSessions   int     `json:"active_sessions"`
	QueueDepth       int     `json:"queue_depth"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Version          string  `json:"version,omitempty"`
}

// errorResponse is the JSON error envelope for every non-2xx body
type errorResponse struct {
	Error string `json:"error"`
}

func summarize(s session.Session) SessionSummary {
	return SessionSummary{
		SessionID:    s.ID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Turns),
		LastMetadata: s.LastMetadata,
	}
}

func detail(s session.Session) SessionDetail {
	return SessionDetail{
		SessionID:    s.ID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Turns),
		Messages:     s.Turns,
		LastMetadata: s.LastMetadata,
	}
}
