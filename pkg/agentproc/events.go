package agentproc

import "time"

// EventType classifies coordinator events
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventTurnStarted  EventType = "turn_started"
	EventTurnFinished EventType = "turn_finished"
	EventAgentLog     EventType = "agent_log"
	EventRestart      EventType = "restart"
)

// Event is one observable coordinator occurrence. Sinks receive them
// synchronously and must not block.
type Event struct {
	Type      EventType `json:"type"`
	State     string    `json:"state,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives coordinator events
type EventSink interface {
	Emit(event Event)
}

// NopSink discards every event
type NopSink struct{}

// Emit implements EventSink
func (NopSink) Emit(Event) {}
