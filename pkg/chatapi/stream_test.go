package chatapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/dschat/pkg/agentproc"
)

func setupEventHub(t *testing.T) (*EventHub, *httptest.Server) {
	t.Helper()
	hub := NewEventHub(zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, ts
}

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHub_BroadcastsToSubscribers(t *testing.T) {
	hub, ts := setupEventHub(t)
	conn := dialHub(t, ts)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Emit(agentproc.Event{
		Type:      agentproc.EventStateChanged,
		State:     "ready",
		Timestamp: time.Now().UTC(),
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got agentproc.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, agentproc.EventStateChanged, got.Type)
	assert.Equal(t, "ready", got.State)
}

func TestEventHub_DisconnectRemovesSubscriber(t *testing.T) {
	hub, ts := setupEventHub(t)
	conn := dialHub(t, ts)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEventHub_EmitWithoutSubscribers(t *testing.T) {
	hub := NewEventHub(zerolog.Nop())
	defer hub.Close()

	// Must not block or panic
	hub.Emit(agentproc.Event{Type: agentproc.EventTurnStarted})
	assert.Equal(t, 0, hub.SubscriberCount())
}
