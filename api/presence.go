package api

import (
	"sort"
	"time"
)

// PresenceEntry is one participant's last-known state within a sheet.
type PresenceEntry struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsOnline       bool   `json:"isOnline"`
	LastSeen       int64  `json:"lastSeen"`
	CursorPosition string `json:"cursorPosition,omitempty"`
}

// PresenceTable maps participant identity to presence state for one sheet.
// Like DocumentCache it is only touched from the owning session's run loop.
// The server recomputes and broadcasts the full roster on every change
// rather than diffing per client.
type PresenceTable struct {
	entries map[string]*PresenceEntry
}

// NewPresenceTable creates an empty presence table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{entries: make(map[string]*PresenceEntry)}
}

// Join adds or refreshes the entry for a participant.
func (p *PresenceTable) Join(userID, userName string) {
	p.entries[userID] = &PresenceEntry{
		UserID:   userID,
		UserName: userName,
		IsOnline: true,
		LastSeen: time.Now().UnixMilli(),
	}
}

// Leave removes the entry for a participant.
func (p *PresenceTable) Leave(userID string) {
	delete(p.entries, userID)
}

// Heartbeat refreshes a participant's last-seen timestamp. Returns false
// when the participant has no entry.
func (p *PresenceTable) Heartbeat(userID string) bool {
	entry, ok := p.entries[userID]
	if !ok {
		return false
	}
	entry.LastSeen = time.Now().UnixMilli()
	entry.IsOnline = true
	return true
}

// SetCursor updates a participant's cursor marker and last-seen timestamp.
func (p *PresenceTable) SetCursor(userID, position string) bool {
	entry, ok := p.entries[userID]
	if !ok {
		return false
	}
	entry.CursorPosition = position
	entry.LastSeen = time.Now().UnixMilli()
	return true
}

// MarkStale flags entries whose last heartbeat is older than timeout as
// offline. Entries are kept (the socket is still open) so the roster keeps
// showing the participant, just greyed out. Returns the number of entries
// whose online flag flipped.
func (p *PresenceTable) MarkStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	flipped := 0
	for _, entry := range p.entries {
		if entry.IsOnline && entry.LastSeen < cutoff {
			entry.IsOnline = false
			flipped++
		}
	}
	return flipped
}

// Len returns the number of participants present.
func (p *PresenceTable) Len() int {
	return len(p.entries)
}

// Roster returns the full participant list, ordered by user ID for a
// stable wire representation.
func (p *PresenceTable) Roster() []PresenceEntry {
	roster := make([]PresenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		roster = append(roster, *entry)
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}
