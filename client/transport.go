// Package client implements the Go side of the GridSync collaboration
// protocol: a websocket transport with automatic reconnection, heartbeat
// and a typed publish/subscribe fan-out, plus the sheet bootstrap logic
// that decides whether this participant hosts the document or hydrates
// from the relay.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheetai/gridsync/api"
	"github.com/sheetai/gridsync/internal/slogging"
)

// ErrNotConnected is returned by Send while the transport is offline.
// Messages sent while offline are dropped from the wire, not queued.
var ErrNotConnected = errors.New("transport is not connected")

// Handler receives the data object of a matching inbound message. For
// messages without a data object the full message body is passed.
type Handler func(data json.RawMessage)

// Options configures a Transport. One Transport serves one
// (sheet, participant) pair for the life of the consuming view.
type Options struct {
	// BaseURL is the relay origin, e.g. "ws://localhost:8080".
	BaseURL  string
	SheetID  string
	UserID   string
	UserName string

	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// ReconnectBase is the backoff base delay, default 1s. The n-th
	// reconnect attempt waits min(base·2ⁿ, ReconnectMax).
	ReconnectBase time.Duration
	// ReconnectMax caps the backoff delay, default 30s.
	ReconnectMax time.Duration
	// MaxReconnectAttempts defaults to 10; after that the transport
	// permanently stops reconnecting until a new Transport is made.
	MaxReconnectAttempts int
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

type handlerEntry struct {
	fn Handler
}

// Transport owns one physical connection per (sheet, participant) pair.
type Transport struct {
	opts Options

	// writeMu serializes socket writes; gorilla allows one writer.
	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	handlers       map[string][]*handlerEntry
	openHooks      []func()
	roster         []api.PresenceEntry
}

// NewTransport creates a transport; call Connect to open it.
func NewTransport(opts Options) (*Transport, error) {
	if opts.BaseURL == "" || opts.SheetID == "" || opts.UserID == "" {
		return nil, errors.New("base URL, sheet ID and user ID are required")
	}
	opts.applyDefaults()
	return &Transport{
		opts:     opts,
		handlers: make(map[string][]*handlerEntry),
	}, nil
}

// ReconnectDelay returns the backoff delay before the given reconnect
// attempt (1-based): base doubled per attempt, capped at the maximum.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (t *Transport) dialURL() string {
	query := url.Values{}
	query.Set("sheetId", t.opts.SheetID)
	query.Set("userId", t.opts.UserID)
	query.Set("userName", t.opts.UserName)
	return fmt.Sprintf("%s/ws?%s", t.opts.BaseURL, query.Encode())
}

// Connect opens the socket. It is idempotent: a concurrent duplicate
// attempt or a call while already open is a no-op.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.closed || t.connecting || t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connecting = true
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
	conn, resp, err := dialer.Dial(t.dialURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		slogging.Get().Warn("websocket dial failed",
			"sheet_id", t.opts.SheetID, "error", err)
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
		t.scheduleReconnect()
		return err
	}

	t.mu.Lock()
	if t.closed {
		// Closed while dialing; discard the socket.
		t.connecting = false
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	t.conn = conn
	t.connected = true
	t.connecting = false
	t.attempts = 0
	heartbeatStop := make(chan struct{})
	t.heartbeatStop = heartbeatStop
	hooks := make([]func(), len(t.openHooks))
	copy(hooks, t.openHooks)
	t.mu.Unlock()

	slogging.Get().Info("websocket connected",
		"sheet_id", t.opts.SheetID, "user_id", t.opts.UserID)

	go t.readLoop(conn)
	go t.heartbeatLoop(conn, heartbeatStop)

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// OnConnect registers a hook invoked after every successful open,
// including reconnects. The sync bootstrapper uses it to re-run its
// host-role determination per connection.
func (t *Transport) OnConnect(hook func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openHooks = append(t.openHooks, hook)
}

// Connected reports whether the socket is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send writes one message. While offline it warns and drops: the edit
// stays in local state only and reaches the wire again only if this
// client later syncs as host.
func (t *Transport) Send(msgType string, payload interface{}) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		slogging.Get().Warn("dropping message while disconnected",
			"type", msgType, "sheet_id", t.opts.SheetID)
		return ErrNotConnected
	}

	body, err := json.Marshal(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, body)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", msgType, err)
	}
	return nil
}

// On subscribes a handler to a message type. Handlers run in
// registration order. The returned closure unsubscribes this handler;
// Go functions are not comparable, so the closure is the off switch.
func (t *Transport) On(msgType string, handler Handler) (off func()) {
	entry := &handlerEntry{fn: handler}
	t.mu.Lock()
	t.handlers[msgType] = append(t.handlers[msgType], entry)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.handlers[msgType]
		for i, e := range entries {
			if e == entry {
				t.handlers[msgType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// OnlineUsers returns the roster mirrored from the last PRESENCE_UPDATE.
func (t *Transport) OnlineUsers() []api.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	roster := make([]api.PresenceEntry, len(t.roster))
	copy(roster, t.roster)
	return roster
}

// Close tears the transport down: the socket is closed, timers are
// cleared, and any pending or future reconnect is suppressed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.connected = false
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

type inboundMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Users json.RawMessage `json:"users"`
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}

		var message inboundMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			slogging.Get().Warn("dropping malformed inbound message", "error", err)
			continue
		}

		if message.Type == api.MsgPresenceUpdate {
			var roster []api.PresenceEntry
			if err := json.Unmarshal(message.Users, &roster); err == nil {
				t.mu.Lock()
				t.roster = roster
				t.mu.Unlock()
			}
		}

		// Data-carrying messages pass their data object; others (like
		// presence updates) pass the whole message body.
		arg := message.Data
		if arg == nil {
			arg = raw
		}

		t.mu.Lock()
		entries := t.handlers[message.Type]
		fns := make([]Handler, len(entries))
		for i, e := range entries {
			fns[i] = e.fn
		}
		t.mu.Unlock()

		for _, fn := range fns {
			fn(arg)
		}
	}
}

func (t *Transport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// A stale read loop from an earlier connection.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	closed := t.closed
	t.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}

	slogging.Get().Warn("websocket disconnected",
		"sheet_id", t.opts.SheetID, "error", cause)
	t.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. After
// the attempt budget is spent reconnection permanently stops.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.attempts++
	if t.attempts > t.opts.MaxReconnectAttempts {
		slogging.Get().Error("max reconnection attempts reached, giving up",
			"sheet_id", t.opts.SheetID, "attempts", t.opts.MaxReconnectAttempts)
		return
	}

	delay := ReconnectDelay(t.attempts, t.opts.ReconnectBase, t.opts.ReconnectMax)
	slogging.Get().Info("scheduling reconnect",
		"sheet_id", t.opts.SheetID, "attempt", t.attempts, "delay", delay)

	t.reconnectTimer = time.AfterFunc(delay, func() {
		_ = t.Connect()
	})
}

func (t *Transport) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Send(api.MsgPresenceHeartbeat, struct{}{}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
