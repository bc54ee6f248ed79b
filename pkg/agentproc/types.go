package agentproc

import (
	"fmt"
	"time"

	"github.com/harun/dschat/pkg/session"
	"github.com/harun/dschat/pkg/usage"
)

// State is the agent lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateBusy
	StateFailed
)

// String returns the lowercase state name used in logs and the health
// endpoint
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Sentinel errors surfaced by the coordinator
var (
	ErrNotRunning  = fmt.Errorf("agent process is not running")
	ErrInitTimeout = fmt.Errorf("agent initialization timed out")
	ErrTurnTimeout = fmt.Errorf("agent turn timed out")
	ErrProtocol    = fmt.Errorf("agent protocol violation")
	ErrShutdown    = fmt.Errorf("coordinator is shut down")
)

// TurnRequest is one user message to execute against the agent
type TurnRequest struct {
	SessionID string
	Prompt    string
	History   []session.Turn
}

// TurnResult is the agent's answer plus its execution trace
type TurnResult struct {
	Response string
	Trace    usage.Trace
	Elapsed  time.Duration
}
