package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/dschat/internal/observability"
	"github.com/harun/dschat/pkg/agentproc"
	"github.com/harun/dschat/pkg/session"
)

// TurnRunner is the slice of the coordinator the HTTP layer needs
type TurnRunner interface {
	RunTurn(ctx context.Context, req agentproc.TurnRequest) (agentproc.TurnResult, error)
	State() agentproc.State
	QueueDepth() int
}

// ServerOptions configures the chat API server
type ServerOptions struct {
	Host            string
	Port            int
	MaxHistoryTurns int
	Version         string
}

// Server is the chat API HTTP server
type Server struct {
	options ServerOptions
	server  *http.Server
	store   *session.Store
	runner  TurnRunner
	events  *EventHub
	logger  zerolog.Logger

	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the chat API server
func NewServer(options ServerOptions, store *session.Store, runner TurnRunner, events *EventHub, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.MaxHistoryTurns == 0 {
		options.MaxHistoryTurns = 50
	}

	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}

	observability.EnsureRegistered()

	return &Server{
		options:   options,
		store:     store,
		runner:    runner,
		events:    events,
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/chat", s.track(s.handleChat))
	mux.HandleFunc("/api/sessions", s.track(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.track(s.handleSessionByID))
	mux.Handle("/metrics", observability.MetricsHandler())
	if s.events != nil {
		mux.HandleFunc("/api/events", s.events.HandleWebSocket)
	}
	mux.HandleFunc("/", s.handleRoot)

	return mux
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting chat API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start chat API server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, draining in-flight requests first
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down chat API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.events != nil {
		s.events.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown chat API server: %w", err)
		}
	}

	s.logger.Info().Msg("Chat API server stopped")
	return nil
}

// track wraps a handler with shutdown rejection and in-flight counting
func (s *Server) track(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
