package chatapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/dschat/pkg/agentproc"
)

// EventHub fans coordinator events out to websocket subscribers. It
// implements agentproc.EventSink; Emit never blocks, slow subscribers
// drop events instead of stalling a turn.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*eventClient
	closed  bool
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan agentproc.Event
}

// NewEventHub creates an event hub
func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*eventClient),
		logger:  logger,
	}
}

// Emit implements agentproc.EventSink
func (h *EventHub) Emit(event agentproc.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Subscriber is not keeping up; skip it for this event
		}
	}
}

// SubscriberCount returns how many websocket clients are connected
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		id = time.Now().Format("20060102150405.000000000")
	}

	client := &eventClient{
		id:   id,
		conn: conn,
		send: make(chan agentproc.Event, 64),
	}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", id).Msg("Event subscriber connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *EventHub) writeLoop(client *eventClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects
func (h *EventHub) readLoop(client *eventClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *EventHub) drop(client *eventClient) {
	h.mu.Lock()
	_, present := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()

	if present {
		client.conn.Close()
		h.logger.Debug().Str("client_id", client.id).Msg("Event subscriber disconnected")
	}
}

// Close disconnects every subscriber
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*eventClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*eventClient)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
		c.conn.Close()
	}
}
