package agentproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/dschat/internal/observability"
	"github.com/harun/dschat/internal/tracing"
	"github.com/harun/dschat/pkg/commandqueue"
)

// tablesEnvVar overrides the configured table list for the agent child
const tablesEnvVar = "DSCHAT_AGENT_TABLES"

// Config describes how to run and talk to the agent subprocess
type Config struct {
	Command       string
	Args          []string
	Tables        []string
	AllowedTools  []string
	InitTimeout   time.Duration
	TurnTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("agent command is required")
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 300 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return nil
}

// Options wires the coordinator's collaborators
type Options struct {
	Config Config
	Sink   EventSink
	Logger zerolog.Logger
}

// Coordinator serializes all access to the shared agent subprocess.
// Turns run one at a time in arrival order; initialization is lazy and
// retried on the next turn after a failure.
type Coordinator struct {
	cfg    Config
	queue  *commandqueue.Queue
	sink   EventSink
	logger zerolog.Logger

	mu       sync.RWMutex
	state    State
	proc     *process
	stale    bool
	closed   bool
	restarts int
	turnSeq  int
}

// NewCoordinator creates a coordinator. The agent process is not
// started until the first turn or an explicit Initialize.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}

	observability.EnsureRegistered()

	c := &Coordinator{
		cfg:    opts.Config,
		queue:  commandqueue.New(),
		sink:   opts.Sink,
		logger: opts.Logger,
	}
	c.setState(StateUninitialized, "")
	return c, nil
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// QueueDepth returns how many turns are waiting behind the running one
func (c *Coordinator) QueueDepth() int {
	return c.queue.QueueSize(commandqueue.LaneAgent)
}

// Restarts returns how many times the agent process has been replaced
func (c *Coordinator) Restarts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restarts
}

// Invalidate marks the running process stale. The current turn, if any,
// finishes against the old process; the next turn starts a fresh one.
func (c *Coordinator) Invalidate(reason string) {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()

	c.logger.Info().Str("reason", reason).Msg("Agent process marked stale")
	c.sink.Emit(Event{
		Type:      EventRestart,
		Detail:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// Initialize eagerly starts the agent. Callers normally rely on the
// lazy path instead; this exists for warm-up at boot.
func (c *Coordinator) Initialize(ctx context.Context) error {
	_, err := c.queue.Enqueue(ctx, commandqueue.LaneAgent, func(taskCtx context.Context) (interface{}, error) {
		return nil, c.ensureReady(taskCtx)
	}, nil)
	return err
}

// RunTurn executes one user message against the agent. Concurrent
// callers block in arrival order; each waiting caller sees the history
// its predecessors produced because the session append happens in the
// caller after RunTurn returns.
func (c *Coordinator) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return TurnResult{}, ErrShutdown
	}

	ctx, span := tracing.StartSpan(ctx, "dschat.agentproc", "agent.run_turn",
		attribute.String("session_id", req.SessionID))
	defer span.End()

	// A dropped caller must not abort a turn already handed to the
	// agent; the execution timeout is the only forcible end. Values
	// (trace ids, span) survive the detach.
	ctx = context.WithoutCancel(ctx)

	value, err := c.queue.Enqueue(ctx, commandqueue.LaneAgent, func(taskCtx context.Context) (interface{}, error) {
		return c.executeTurn(taskCtx, req)
	}, &commandqueue.TaskOptions{WarnAfter: 10 * time.Second})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	return value.(TurnResult), nil
}

// Shutdown stops accepting turns, rejects queued ones, and terminates
// the agent process.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.ResetLane(commandqueue.LaneAgent)
	if err := c.queue.Close(); err != nil {
		return err
	}

	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil && proc.alive() {
		proc.shutdown(c.cfg.ShutdownGrace)
	}

	c.setState(StateUninitialized, "")
	c.logger.Info().Msg("Agent coordinator shut down")
	return nil
}

// executeTurn runs inside the agent lane, so it is never concurrent
// with another turn or initialization.
func (c *Coordinator) executeTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if err := c.ensureReady(ctx); err != nil {
		observability.RecordTurn("init_failed", 0)
		return TurnResult{}, err
	}

	c.mu.Lock()
	c.turnSeq++
	turnID := fmt.Sprintf("turn-%d", c.turnSeq)
	proc := c.proc
	c.mu.Unlock()

	c.setState(StateBusy, req.SessionID)
	c.sink.Emit(Event{
		Type:      EventTurnStarted,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
	})

	start := time.Now()
	err := proc.send(turnMessage{
		Type:    msgTurn,
		ID:      turnID,
		Prompt:  req.Prompt,
		History: req.History,
	})
	if err != nil {
		return TurnResult{}, c.failTurn(req.SessionID, "send_failed", start, err)
	}

	msg, err := proc.receive(ctx, c.cfg.TurnTimeout)
	if err != nil {
		status := "failed"
		switch {
		case errors.Is(err, ErrTurnTimeout):
			status = "timeout"
			logger.Error().
				Str("turn_id", turnID).
				Dur("timeout", c.cfg.TurnTimeout).
				Msg("Turn timed out, killing agent process")
			proc.kill()
		case errors.Is(err, ErrProtocol):
			status = "protocol_error"
			logger.Error().Err(err).Str("turn_id", turnID).Msg("Agent broke protocol, killing process")
			proc.kill()
		}
		return TurnResult{}, c.failTurn(req.SessionID, status, start, err)
	}

	elapsed := time.Since(start)

	switch msg.Type {
	case msgReply:
		if msg.ID != "" && msg.ID != turnID {
			proc.kill()
			return TurnResult{}, c.failTurn(req.SessionID, "protocol_error", start,
				fmt.Errorf("agent answered turn %q while %q was pending", msg.ID, turnID))
		}

		c.setState(StateReady, "")
		c.sink.Emit(Event{
			Type:      EventTurnFinished,
			SessionID: req.SessionID,
			Timestamp: time.Now().UTC(),
		})
		observability.RecordTurn("ok", elapsed)

		logger.Info().
			Str("turn_id", turnID).
			Dur("elapsed", elapsed).
			Int("tool_calls", len(msg.Tools)).
			Msg("Turn completed")

		result := TurnResult{Response: msg.Response, Elapsed: elapsed}
		result.Trace.ToolCalls = msg.Tools
		result.Trace.Usage = msg.Usage
		return result, nil

	case msgError:
		// An agent-level error does not poison the process; the next
		// turn reuses it.
		c.setState(StateReady, "")
		observability.RecordTurn("agent_error", elapsed)
		logger.Warn().Str("turn_id", turnID).Str("error", msg.Error).Msg("Agent reported turn error")
		return TurnResult{}, fmt.Errorf("agent error: %s", msg.Error)

	default:
		proc.kill()
		return TurnResult{}, c.failTurn(req.SessionID, "protocol_error", start,
			fmt.Errorf("unexpected agent message type %q", msg.Type))
	}
}

// ensureReady brings the agent to READY, starting or replacing the
// process as needed. Runs only inside the agent lane.
func (c *Coordinator) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	proc := c.proc
	stale := c.stale
	state := c.state
	c.mu.Unlock()

	if proc != nil && proc.alive() && !stale && state == StateReady {
		return nil
	}

	if proc != nil {
		if proc.alive() {
			proc.shutdown(c.cfg.ShutdownGrace)
		}
		c.mu.Lock()
		c.proc = nil
		c.restarts++
		c.mu.Unlock()
		observability.RecordAgentRestart()
	}

	c.setState(StateInitializing, "")
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().
		Str("command", c.cfg.Command).
		Strs("tables", c.effectiveTables()).
		Msg("Initializing agent process")

	proc, err := spawnProcess(c.cfg.Command, c.cfg.Args, nil, c.logger)
	if err != nil {
		c.setState(StateFailed, "")
		return fmt.Errorf("failed to spawn agent: %w", err)
	}

	err = proc.send(initMessage{
		Type:         msgInit,
		Tables:       c.effectiveTables(),
		AllowedTools: c.cfg.AllowedTools,
	})
	if err == nil {
		var msg *agentMessage
		msg, err = proc.receive(ctx, c.cfg.InitTimeout)
		if err == nil && msg.Type != msgReady {
			err = fmt.Errorf("expected ready, got %q", msg.Type)
		} else if errors.Is(err, ErrTurnTimeout) {
			err = ErrInitTimeout
		}
	}
	if err != nil {
		proc.kill()
		c.setState(StateFailed, "")
		logger.Error().Err(err).Msg("Agent initialization failed")
		return fmt.Errorf("agent initialization failed: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.stale = false
	c.mu.Unlock()

	c.setState(StateReady, "")
	logger.Info().Msg("Agent initialized")
	return nil
}

// effectiveTables resolves the table list, letting the environment
// override configuration.
func (c *Coordinator) effectiveTables() []string {
	if raw := os.Getenv(tablesEnvVar); raw != "" {
		var tables []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tables = append(tables, t)
			}
		}
		return tables
	}
	return c.cfg.Tables
}

func (c *Coordinator) failTurn(sessionID, status string, start time.Time, err error) error {
	c.setState(StateFailed, sessionID)
	observability.RecordTurn(status, time.Since(start))
	return err
}

func (c *Coordinator) setState(state State, sessionID string) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	observability.SetAgentState(int(state))
	if changed {
		c.sink.Emit(Event{
			Type:      EventStateChanged,
			State:     state.String(),
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
		})
	}
}
