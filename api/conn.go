package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sheetai/gridsync/internal/slogging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Conn is a connection handle: one physical socket tagged with the sheet
// and participant it belongs to. It is owned by its session's registry
// from registration until close.
type Conn struct {
	// Connection ID, for logs
	ID string
	// Session this connection belongs to
	Session *SheetSession
	// The websocket connection
	sock *websocket.Conn
	// Participant identity
	UserID   string
	UserName string
	// Buffered channel of outbound serialized messages
	send chan []byte
}

func newConn(session *SheetSession, sock *websocket.Conn, userID, userName string, sendBuffer int) *Conn {
	return &Conn{
		ID:       uuid.New().String(),
		Session:  session,
		sock:     sock,
		UserID:   userID,
		UserName: userName,
		send:     make(chan []byte, sendBuffer),
	}
}

// deliver queues a serialized message for the write pump. Delivery is
// best-effort: when the buffer is full the message is dropped and the
// skip is counted, never retried or queued elsewhere.
func (c *Conn) deliver(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// readPump pumps messages from the socket into the session's run loop.
// One goroutine per connection; exits on socket error or close.
func (c *Conn) readPump(maxMessageBytes int64) {
	defer func() {
		// The session may already be stopped by the hub's sweeper.
		select {
		case c.Session.Unregister <- c:
		case <-c.Session.Done():
		}
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("websocket read failed", "conn_id", c.ID, "user_id", c.UserID, "error", err)
			}
			return
		}
		select {
		case c.Session.Inbound <- inboundFrame{conn: c, data: message}:
		case <-c.Session.Done():
			return
		}
	}
}

// writePump pumps queued messages to the socket and keeps the connection
// alive with pings. Exits when the session closes the send channel or a
// write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Session closed the channel
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
