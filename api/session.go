package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetai/gridsync/internal/config"
	"github.com/sheetai/gridsync/internal/slogging"
)

// inboundFrame is a raw message read from one connection, handed to the
// session's run loop for dispatch.
type inboundFrame struct {
	conn *Conn
	data []byte
}

// statsRequest asks the run loop for a consistent stats snapshot.
type statsRequest struct {
	reply chan SessionStats
}

// SessionStats is an introspection snapshot of one sheet session.
type SessionStats struct {
	SessionID    string    `json:"sessionId"`
	SheetID      string    `json:"sheetId"`
	Connections  int       `json:"connections"`
	Participants int       `json:"participants"`
	Cells        int       `json:"cells"`
	Synced       bool      `json:"synced"`
	LastActivity time.Time `json:"lastActivity"`
}

// SheetSession is the per-sheet collaboration state: the connection
// registry, the presence table, and the document cache. All mutation
// happens inside the single Run goroutine, which serializes message
// handling per sheet — there is no await point between reading and
// writing session state, so handlers are atomic with respect to each
// other and no locks are needed on the state itself.
type SheetSession struct {
	// Session ID
	ID string
	// Sheet this session serves
	SheetID string
	// Register requests from admitted connections
	Register chan *Conn
	// Unregister requests from closing connections
	Unregister chan *Conn
	// Inbound frames from all connections of this sheet
	Inbound chan inboundFrame

	clients  map[*Conn]bool
	presence *PresenceTable
	document *DocumentCache

	cfg     config.RelayConfig
	metrics *Metrics
	stats   chan statsRequest

	done     chan struct{}
	stopOnce sync.Once

	// Guarded by mu; read by the hub's idle sweeper without entering
	// the run loop.
	mu           sync.RWMutex
	clientCount  int
	emptySince   time.Time
	lastActivity time.Time
}

func newSheetSession(sheetID string, cfg config.RelayConfig, metrics *Metrics) *SheetSession {
	now := time.Now().UTC()
	return &SheetSession{
		ID:         uuid.New().String(),
		SheetID:    sheetID,
		Register:   make(chan *Conn),
		Unregister: make(chan *Conn),
		Inbound:    make(chan inboundFrame, 64),
		clients:    make(map[*Conn]bool),
		presence:   NewPresenceTable(),
		document:   NewDocumentCache(),
		cfg:        cfg,
		metrics:    metrics,
		stats:      make(chan statsRequest),
		done:       make(chan struct{}),

		emptySince:   now,
		lastActivity: now,
	}
}

// Done is closed when the session has been stopped by the hub. Connection
// goroutines select on it so they never block sending to a dead run loop.
func (s *SheetSession) Done() <-chan struct{} {
	return s.done
}

// stop terminates the run loop. Called by the hub only.
func (s *SheetSession) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Run processes all registry, dispatch, and presence events for one sheet.
func (s *SheetSession) Run() {
	var staleTick <-chan time.Time
	if s.cfg.StalePresenceTimeout > 0 {
		ticker := time.NewTicker(s.cfg.StalePresenceTimeout / 2)
		defer ticker.Stop()
		staleTick = ticker.C
	}

	for {
		select {
		case conn := <-s.Register:
			s.admit(conn)
		case conn := <-s.Unregister:
			s.drop(conn)
		case frame := <-s.Inbound:
			s.dispatch(frame.conn, frame.data)
		case req := <-s.stats:
			req.reply <- s.snapshotStats()
		case <-staleTick:
			s.evictStalePresence()
		case <-s.done:
			for conn := range s.clients {
				close(conn.send)
				delete(s.clients, conn)
			}
			s.setCounts()
			return
		}
	}
}

// admit registers a connection, records presence, hydrates the newcomer
// from the document cache, and broadcasts the refreshed roster to every
// connection including the one that just joined.
func (s *SheetSession) admit(conn *Conn) {
	s.clients[conn] = true
	s.presence.Join(conn.UserID, conn.UserName)
	s.touch()
	s.setCounts()
	s.metrics.ConnectionsOpened.Inc()
	s.metrics.ActiveConnections.Inc()

	slogging.Get().Info("participant joined sheet",
		"sheet_id", s.SheetID, "user_id", conn.UserID, "user_name", conn.UserName)

	if !s.document.Empty() {
		if message, err := marshalServerMessage(MsgInitData, s.document.Snapshot()); err == nil {
			if !conn.deliver(message) {
				s.metrics.BroadcastSkips.Inc()
			}
		}
	}

	s.broadcastPresence()
}

// drop unregisters a connection and removes the participant's presence
// entry. The document cache is deliberately left intact so the sheet
// survives a momentary all-disconnect; the hub's idle sweeper reclaims
// it after the grace period.
func (s *SheetSession) drop(conn *Conn) {
	if _, ok := s.clients[conn]; !ok {
		return
	}
	delete(s.clients, conn)
	close(conn.send)
	s.presence.Leave(conn.UserID)
	s.touch()
	s.setCounts()
	s.metrics.ActiveConnections.Dec()

	slogging.Get().Info("participant left sheet",
		"sheet_id", s.SheetID, "user_id", conn.UserID)

	s.broadcastPresence()
}

// broadcast serializes happen in the caller; this sends one already
// serialized message to every open connection except exclude. Skipped
// deliveries are counted, never retried.
func (s *SheetSession) broadcast(message []byte, exclude *Conn) {
	for conn := range s.clients {
		if conn == exclude {
			continue
		}
		if !conn.deliver(message) {
			s.metrics.BroadcastSkips.Inc()
			slogging.Get().Debug("broadcast skipped for slow connection",
				"sheet_id", s.SheetID, "conn_id", conn.ID)
		}
	}
}

// broadcastPresence recomputes the full roster and sends it to all
// connections, the triggering one included.
func (s *SheetSession) broadcastPresence() {
	payload := PresenceMessage{Type: MsgPresenceUpdate, Users: s.presence.Roster()}
	serialized, err := json.Marshal(payload)
	if err != nil {
		slogging.Get().Error("failed to marshal presence roster", "sheet_id", s.SheetID, "error", err)
		return
	}
	s.broadcast(serialized, nil)
}

// evictStalePresence flips entries without a recent heartbeat to offline
// and rebroadcasts the roster when anything changed.
func (s *SheetSession) evictStalePresence() {
	if s.presence.MarkStale(s.cfg.StalePresenceTimeout) > 0 {
		s.broadcastPresence()
	}
}

// Stats returns a consistent snapshot, or zero stats when the session is
// already stopped.
func (s *SheetSession) Stats() SessionStats {
	req := statsRequest{reply: make(chan SessionStats, 1)}
	select {
	case s.stats <- req:
		return <-req.reply
	case <-s.done:
		return SessionStats{SessionID: s.ID, SheetID: s.SheetID}
	}
}

func (s *SheetSession) snapshotStats() SessionStats {
	s.mu.RLock()
	lastActivity := s.lastActivity
	s.mu.RUnlock()
	return SessionStats{
		SessionID:    s.ID,
		SheetID:      s.SheetID,
		Connections:  len(s.clients),
		Participants: s.presence.Len(),
		Cells:        s.document.Len(),
		Synced:       s.document.synced,
		LastActivity: lastActivity,
	}
}

func (s *SheetSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *SheetSession) setCounts() {
	s.mu.Lock()
	s.clientCount = len(s.clients)
	if s.clientCount == 0 {
		s.emptySince = time.Now().UTC()
	}
	s.mu.Unlock()
}

// idleSince reports the connection count and, when zero, how long the
// session has been empty. Used by the hub's sweeper.
func (s *SheetSession) idleSince() (int, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCount, s.emptySince
}
