package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds one stdout line from the agent. Replies carrying
// large tool output stay well under this.
const maxLineBytes = 10 * 1024 * 1024

// process wraps one running agent subprocess. All writes to stdin go
// through send; stdout lines are pumped into the messages channel by a
// dedicated reader goroutine so a stuck child never blocks the caller.
type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan *agentMessage
	exited   chan struct{}
	exitErr  error

	writeMu sync.Mutex
	logger  zerolog.Logger
}

// spawnProcess starts the agent command and begins pumping its output
func spawnProcess(command string, args []string, env []string, logger zerolog.Logger) (*process, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	p := &process{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan *agentMessage, 16),
		exited:   make(chan struct{}),
		logger:   logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}

	go p.pumpStdout(stdout)
	go p.pumpStderr(stderr)
	go p.reap()

	p.logger.Info().Str("command", command).Msg("Agent process started")
	return p, nil
}

// send writes one protocol message as a single JSON line
func (p *process) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode agent message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.exited:
		return ErrNotRunning
	default:
	}

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// receive returns the next message from the agent, or an error when the
// deadline passes, the context is cancelled, or the process exits.
func (p *process) receive(ctx context.Context, timeout time.Duration) (*agentMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-p.messages:
			if !ok {
				return nil, ErrNotRunning
			}
			// Log lines arrive interleaved with replies; surface them
			// and keep waiting for the real answer.
			if msg.Type == msgLog {
				p.logAgentLine(msg)
				continue
			}
			if msg.Type == msgMalformed {
				return nil, fmt.Errorf("%w: %s", ErrProtocol, msg.Error)
			}
			return msg, nil
		case <-timer.C:
			return nil, ErrTurnTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.exited:
			// Drain anything the pump delivered before exit
			select {
			case msg, ok := <-p.messages:
				if ok && msg.Type != msgLog {
					if msg.Type == msgMalformed {
						return nil, fmt.Errorf("%w: %s", ErrProtocol, msg.Error)
					}
					return msg, nil
				}
			default:
			}
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, p.exitErr)
		}
	}
}

// shutdown asks the agent to exit and kills it if it lingers
func (p *process) shutdown(grace time.Duration) {
	if err := p.send(shutdownMessage{Type: msgShutdown}); err == nil {
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
	}
	p.kill()
}

// kill forcefully terminates the agent process
func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

// alive reports whether the process has not yet exited
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) pumpStdout(stdout io.Reader) {
	defer close(p.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := parseAgentMessage(line)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Agent wrote malformed output")
			msg = &agentMessage{Type: msgMalformed, Error: err.Error()}
		}

		select {
		case p.messages <- msg:
		case <-p.exited:
			return
		}
	}
}

func (p *process) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

func (p *process) reap() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.exited)

	if err != nil {
		p.logger.Warn().Err(err).Msg("Agent process exited")
	} else {
		p.logger.Info().Msg("Agent process exited")
	}
}

func (p *process) logAgentLine(msg *agentMessage) {
	event := p.logger.Info()
	if msg.Level == "warn" || msg.Level == "warning" {
		event = p.logger.Warn()
	} else if msg.Level == "error" {
		event = p.logger.Error()
	} else if msg.Level == "debug" {
		event = p.logger.Debug()
	}
	event.Str("source", "agent").Msg(msg.Message)
}
