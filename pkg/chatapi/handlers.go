package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harun/dschat/internal/observability"
	"github.com/harun/dschat/internal/tracing"
	"github.com/harun/dschat/pkg/agentproc"
	"github.com/harun/dschat/pkg/session"
	"github.com/harun/dschat/pkg/usage"
)

// handleRoot serves a minimal service banner; anything else under / is
// unknown.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": "dschat",
		"version": s.options.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := s.runner.State()
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		AgentInitialized: state == agentproc.StateReady || state == agentproc.StateBusy,
		AgentState:       state.String(),
		ActiveSessions:   s.store.Count(),
		QueueDepth:       s.runner.QueueDepth(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		Version:          s.options.Version,
	})
}

// handleChat runs one conversational turn. Unknown or missing session
// ids start a fresh session rather than failing, so clients can retry
// after an expiry without special casing.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start := time.Now()
	ctx := tracing.NewRequestContext(r.Context())
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.RecordChatRequest("bad_request", time.Since(start))
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		observability.RecordChatRequest("bad_request", time.Since(start))
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sess, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		observability.RecordChatRequest("error", time.Since(start))
		s.writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)
	logger = tracing.LoggerFromContext(ctx, s.logger)

	// History is captured before the user turn is appended so the
	// prompt is not duplicated inside it.
	history, err := s.store.History(ctx, sess.ID, s.options.MaxHistoryTurns)
	if err != nil {
		observability.RecordChatRequest("error", time.Since(start))
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	if _, err := s.store.AppendTurn(ctx, sess.ID, session.RoleUser, req.Message); err != nil {
		observability.RecordChatRequest("error", time.Since(start))
		s.writeError(w, http.StatusInternalServerError, "failed to record message")
		return
	}

	logger.Info().
		Str("client_ip", s.getClientIP(r)).
		Int("history_turns", len(history)).
		Int("message_len", len(req.Message)).
		Msg("Chat turn started")

	result, err := s.runner.RunTurn(ctx, agentproc.TurnRequest{
		SessionID: sess.ID,
		Prompt:    req.Message,
		History:   history,
	})
	if err != nil {
		status, code := turnErrorStatus(err)
		observability.RecordChatRequest(code, time.Since(start))
		logger.Error().Err(err).Str("status", code).Msg("Chat turn failed")
		s.writeError(w, status, err.Error())
		return
	}

	md := usage.Extract(result.Trace, result.Elapsed)
	for name, count := range md.Tools {
		observability.RecordToolInvocation(name, count)
	}
	observability.RecordTokens(md.Tokens.Input, md.Tokens.Output)

	if _, err := s.store.CompleteTurn(ctx, sess.ID, result.Response, md); err != nil {
		// The turn ran; losing the bookkeeping write is not worth a
		// client-visible failure.
		logger.Warn().Err(err).Msg("Failed to record assistant turn")
	}

	observability.RecordChatRequest("ok", time.Since(start))
	logger.Info().
		Dur("elapsed", time.Since(start)).
		Float64("agent_ms", md.TimeMS).
		Msg("Chat turn completed")

	s.writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: sess.ID,
		Response:  result.Response,
		Tools:     md.Tools,
		Tokens:    md.Tokens,
		TimeMS:    md.TimeMS,
	})
}

// resolveSession returns the named session, or a fresh one when the id
// is empty or no longer exists.
func (s *Server) resolveSession(r *http.Request, id string) (session.Session, error) {
	ctx := r.Context()
	if id != "" {
		sess, err := s.store.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, err
		}
		s.logger.Debug().Str("session_id", id).Msg("Unknown session id, starting fresh")
	}
	return s.store.Create(ctx), nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		sess := s.store.Create(r.Context())
		s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
			SessionID: sess.ID,
			CreatedAt: sess.CreatedAt,
		})

	case http.MethodGet:
		sessions := s.store.List(r.Context())
		out := SessionListResponse{Sessions: make([]SessionSummary, 0, len(sessions))}
		for _, sess := range sessions {
			out.Sessions = append(out.Sessions, summarize(sess))
		}
		s.writeJSON(w, http.StatusOK, out)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "session not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		s.writeJSON(w, http.StatusOK, detail(sess))

	case http.MethodDelete:
		// Deleting is idempotent; a repeat delete still reports success
		existed := s.store.Delete(r.Context(), id)
		s.writeJSON(w, http.StatusOK, DeleteSessionResponse{
			Message:   fmt.Sprintf("Session %s deleted", id),
			Deleted:   existed,
			SessionID: id,
		})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// turnErrorStatus maps coordinator failures onto HTTP statuses
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agentproc.ErrTurnTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, agentproc.ErrShutdown),
		errors.Is(err, agentproc.ErrInitTimeout),
		errors.Is(err, agentproc.ErrNotRunning):
		return http.StatusServiceUnavailable, "agent_not_ready"
	default:
		return http.StatusInternalServerError, "agent_error"
	}
}
