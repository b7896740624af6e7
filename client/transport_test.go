package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetai/gridsync/api"
	"github.com/sheetai/gridsync/internal/config"
)

// startRelay spins up a real relay server and returns its ws:// origin
// plus the hub for state inspection.
func startRelay(t *testing.T) (string, *api.RelayHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default().Relay
	hub := api.NewRelayHub(cfg, api.NewMetrics(prometheus.NewRegistry()))
	server := api.NewServer(hub, cfg)

	router := gin.New()
	server.RegisterRoutes(router, prometheus.NewRegistry())

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), hub
}

func newTestTransport(t *testing.T, baseURL, sheetID, userID string) *Transport {
	t.Helper()
	transport, err := NewTransport(Options{
		BaseURL:  baseURL,
		SheetID:  sheetID,
		UserID:   userID,
		UserName: "tester-" + userID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestReconnectDelaySchedule(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, want := range expected {
		got := ReconnectDelay(attempt+1, base, max)
		assert.Equal(t, want, got, "attempt %d", attempt+1)
	}

	// Much later attempts stay capped.
	assert.Equal(t, max, ReconnectDelay(10, base, max))
	assert.Equal(t, max, ReconnectDelay(50, base, max))
}

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport(Options{SheetID: "s", UserID: "u"})
	assert.Error(t, err)
	_, err = NewTransport(Options{BaseURL: "ws://x", UserID: "u"})
	assert.Error(t, err)
	_, err = NewTransport(Options{BaseURL: "ws://x", SheetID: "s"})
	assert.Error(t, err)
}

func TestSendWhileDisconnected(t *testing.T) {
	transport := newTestTransport(t, "ws://127.0.0.1:1", "sheet", "user")
	err := transport.Send(api.MsgChatMessage, api.ChatPayload{Message: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransportConnectAndSubscribe(t *testing.T) {
	origin, _ := startRelay(t)
	transport := newTestTransport(t, origin, "sheet-t", "user-1")

	presence := make(chan json.RawMessage, 8)
	transport.On(api.MsgPresenceUpdate, func(data json.RawMessage) {
		presence <- data
	})
	chats := make(chan api.ChatEvent, 8)
	transport.On(api.MsgChatMessage, func(data json.RawMessage) {
		var event api.ChatEvent
		if err := json.Unmarshal(data, &event); err == nil {
			chats <- event
		}
	})

	require.NoError(t, transport.Connect())
	assert.True(t, transport.Connected())

	// Connect is idempotent.
	require.NoError(t, transport.Connect())

	select {
	case <-presence:
	case <-time.After(2 * time.Second):
		t.Fatal("no presence update after connect")
	}

	require.Eventually(t, func() bool {
		roster := transport.OnlineUsers()
		return len(roster) == 1 && roster[0].UserID == "user-1"
	}, 2*time.Second, 20*time.Millisecond)

	// Chat fans out to the sender too.
	require.NoError(t, transport.Send(api.MsgChatMessage, api.ChatPayload{Message: "hello"}))
	select {
	case event := <-chats:
		assert.Equal(t, "user-1", event.UserID)
		assert.Equal(t, "hello", event.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not round-trip")
	}

	require.NoError(t, transport.Close())
	assert.False(t, transport.Connected())
	assert.ErrorIs(t, transport.Send(api.MsgChatMessage, api.ChatPayload{Message: "late"}), ErrNotConnected)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	origin, _ := startRelay(t)
	transport := newTestTransport(t, origin, "sheet-u", "user-1")

	first := make(chan struct{}, 8)
	second := make(chan struct{}, 8)
	offFirst := transport.On(api.MsgChatMessage, func(json.RawMessage) { first <- struct{}{} })
	transport.On(api.MsgChatMessage, func(json.RawMessage) { second <- struct{}{} })

	require.NoError(t, transport.Connect())

	require.NoError(t, transport.Send(api.MsgChatMessage, api.ChatPayload{Message: "one"}))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first handler not invoked")
	}
	<-second

	offFirst()
	require.NoError(t, transport.Send(api.MsgChatMessage, api.ChatPayload{Message: "two"}))
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not invoked")
	}
	select {
	case <-first:
		t.Fatal("unsubscribed handler still invoked")
	default:
	}
}

func TestConnectFailureSchedulesBackoff(t *testing.T) {
	transport, err := NewTransport(Options{
		BaseURL:              "ws://127.0.0.1:1",
		SheetID:              "sheet",
		UserID:               "user",
		ReconnectBase:        5 * time.Millisecond,
		ReconnectMax:         20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		HandshakeTimeout:     100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = transport.Close() }()

	require.Error(t, transport.Connect())
	assert.False(t, transport.Connected())

	// The retry budget burns down and the transport stays offline.
	time.Sleep(300 * time.Millisecond)
	assert.False(t, transport.Connected())
}

// The server drops the socket right after the upgrade, so the read loop
// fails while Connect is still launching the heartbeat goroutine. The
// stop channel handed to the heartbeat must be the one created for this
// connection, not whatever a concurrent disconnect left in the field.
func TestImmediateDisconnectDuringConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = sock.Close()
	}))
	defer ts.Close()
	origin := "ws" + strings.TrimPrefix(ts.URL, "http")

	for i := 0; i < 20; i++ {
		transport, err := NewTransport(Options{
			BaseURL:              origin,
			SheetID:              "sheet-d",
			UserID:               "user-1",
			HeartbeatInterval:    time.Millisecond,
			ReconnectBase:        time.Millisecond,
			ReconnectMax:         time.Millisecond,
			MaxReconnectAttempts: 1,
		})
		require.NoError(t, err)

		_ = transport.Connect()
		require.Eventually(t, func() bool {
			return !transport.Connected()
		}, 2*time.Second, time.Millisecond)
		require.NoError(t, transport.Close())
	}
}

func TestHeartbeatKeepsPresenceFresh(t *testing.T) {
	origin, _ := startRelay(t)
	transport, err := NewTransport(Options{
		BaseURL:           origin,
		SheetID:           "sheet-h",
		UserID:            "user-1",
		UserName:          "Heart",
		HeartbeatInterval: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = transport.Close() }()

	var updates int
	done := make(chan struct{})
	transport.On(api.MsgPresenceUpdate, func(json.RawMessage) {
		updates++
		// The first update is the join broadcast; anything after
		// that within the window came from heartbeats.
		if updates >= 3 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	require.NoError(t, transport.Connect())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeats did not trigger presence rebroadcasts")
	}
}
