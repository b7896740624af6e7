package api

import (
	"context"
	"sync"
	"time"

	"github.com/sheetai/gridsync/internal/config"
	"github.com/sheetai/gridsync/internal/slogging"
)

// RelayHub maintains the sheet sessions. It is an explicit service object
// constructed once at process start and injected into the handler path;
// there is no ambient package-level state.
type RelayHub struct {
	mu       sync.RWMutex
	sessions map[string]*SheetSession

	cfg     config.RelayConfig
	metrics *Metrics
}

// NewRelayHub creates a hub with no sessions.
func NewRelayHub(cfg config.RelayConfig, metrics *Metrics) *RelayHub {
	return &RelayHub{
		sessions: make(map[string]*SheetSession),
		cfg:      cfg,
		metrics:  metrics,
	}
}

// GetOrCreateSession returns the session for a sheet, lazily creating it
// on first reference and starting its run loop.
func (h *RelayHub) GetOrCreateSession(sheetID string) *SheetSession {
	h.mu.RLock()
	session, ok := h.sessions[sheetID]
	h.mu.RUnlock()
	if ok {
		return session
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if session, ok := h.sessions[sheetID]; ok {
		return session
	}
	session = newSheetSession(sheetID, h.cfg, h.metrics)
	h.sessions[sheetID] = session
	h.metrics.ActiveSessions.Inc()
	go session.Run()

	slogging.Get().Info("sheet session created", "sheet_id", sheetID, "session_id", session.ID)
	return session
}

// GetSession returns the session for a sheet, or nil when none exists.
func (h *RelayHub) GetSession(sheetID string) *SheetSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sheetID]
}

// SessionCount returns the number of live sessions.
func (h *RelayHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CleanupIdleSessions evicts sessions that have had zero connections for
// longer than the configured grace period. Cached cell data goes with the
// session; a sheet abandoned past the grace period starts cold.
func (h *RelayHub) CleanupIdleSessions() {
	cutoff := time.Now().UTC().Add(-h.cfg.IdleSessionGrace)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sheetID, session := range h.sessions {
		count, emptySince := session.idleSince()
		if count == 0 && emptySince.Before(cutoff) {
			session.stop()
			delete(h.sessions, sheetID)
			h.metrics.ActiveSessions.Dec()
			slogging.Get().Info("idle sheet session evicted",
				"sheet_id", sheetID, "empty_since", emptySince)
		}
	}
}

// StartSweeper runs the idle-session sweeper until the context is done.
func (h *RelayHub) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupIdleSessions()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every session. Connections are closed by their write
// pumps when the send channels close.
func (h *RelayHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sheetID, session := range h.sessions {
		session.stop()
		delete(h.sessions, sheetID)
		h.metrics.ActiveSessions.Dec()
	}
}
