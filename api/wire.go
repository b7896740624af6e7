package api

import "encoding/json"

// Message types exchanged over the relay. Client→server messages carry a
// payload; server→client messages carry a data object (or a users array
// for presence updates).
const (
	MsgSyncSheet         = "SYNC_SHEET"
	MsgCellUpdate        = "CELL_UPDATE"
	MsgBulkUpdate        = "BULK_UPDATE"
	MsgCursorMove        = "CURSOR_MOVE"
	MsgCursorUpdate      = "CURSOR_UPDATE"
	MsgChatMessage       = "CHAT_MESSAGE"
	MsgPresenceHeartbeat = "PRESENCE_HEARTBEAT"
	MsgInitData          = "INIT_DATA"
	MsgPresenceUpdate    = "PRESENCE_UPDATE"
)

// Envelope is the outer shape of every client→server message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SyncSheetPayload carries a host's full sheet snapshot.
type SyncSheetPayload struct {
	Cells    map[string]*string     `json:"cells"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CellUpdatePayload carries a single cell edit. A nil value clears the cell
// content while keeping the last-write-wins slot.
type CellUpdatePayload struct {
	CellID string  `json:"cellId"`
	Value  *string `json:"value"`
}

// BulkUpdatePayload carries a batch of cell edits (paste, drag-fill).
type BulkUpdatePayload struct {
	Cells []CellUpdatePayload `json:"cells"`
}

// CursorMovePayload carries an opaque viewport/cell focus marker.
type CursorMovePayload struct {
	Position string `json:"position"`
}

// ChatPayload carries a chat message body.
type ChatPayload struct {
	Message string `json:"message"`
}

// CellUpdateEvent is the server→client form of a cell edit, with the
// sender's identity attached.
type CellUpdateEvent struct {
	CellID   string  `json:"cellId"`
	Value    *string `json:"value"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
}

// BulkUpdateEvent is the server→client form of a batch edit.
type BulkUpdateEvent struct {
	Cells    []CellUpdatePayload `json:"cells"`
	UserID   string              `json:"userId"`
	UserName string              `json:"userName"`
}

// CursorUpdateEvent is the server→client form of a cursor move.
type CursorUpdateEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Position string `json:"position"`
}

// ChatEvent is the server→client form of a chat message.
type ChatEvent struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// InitDataEvent hydrates a newly admitted client with the cached sheet.
type InitDataEvent struct {
	Cells    map[string]*string     `json:"cells"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ServerMessage is the outer shape of most server→client messages.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// PresenceMessage is the roster broadcast. Users sit at the top level
// rather than under data so roster consumers can decode it standalone.
type PresenceMessage struct {
	Type  string          `json:"type"`
	Users []PresenceEntry `json:"users"`
}

func marshalServerMessage(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: msgType, Data: data})
}
