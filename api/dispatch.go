package api

import (
	"encoding/json"
	"time"

	"github.com/sheetai/gridsync/internal/slogging"
)

// dispatch is the relay's message-type switch: a pure function of
// (session state, message) to (mutated state, zero or more broadcasts).
// It runs inside the session's run loop. Malformed messages are dropped
// without closing the connection; unknown types are logged and ignored.
func (s *SheetSession) dispatch(conn *Conn, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		slogging.Get().Warn("dropping malformed message",
			"sheet_id", s.SheetID, "conn_id", conn.ID, "error", err)
		return
	}

	s.metrics.MessagesReceived.WithLabelValues(envelope.Type).Inc()
	s.touch()

	switch envelope.Type {
	case MsgSyncSheet:
		s.handleSyncSheet(conn, envelope.Payload)
	case MsgCellUpdate:
		s.handleCellUpdate(conn, envelope.Payload)
	case MsgBulkUpdate:
		s.handleBulkUpdate(conn, envelope.Payload)
	case MsgCursorMove:
		s.handleCursorMove(conn, envelope.Payload)
	case MsgChatMessage:
		s.handleChat(conn, envelope.Payload)
	case MsgPresenceHeartbeat:
		s.handleHeartbeat(conn)
	default:
		slogging.Get().Warn("unknown message type",
			"sheet_id", s.SheetID, "type", envelope.Type, "conn_id", conn.ID)
	}
}

// handleSyncSheet absorbs a host's full snapshot into the document cache.
// Nothing is broadcast: later joiners are hydrated from the cache on
// admission. When two clients both believe themselves host the later sync
// silently wins; the replacement of a non-empty cache is logged and
// counted so the data-loss hazard is at least observable.
func (s *SheetSession) handleSyncSheet(conn *Conn, raw json.RawMessage) {
	var payload SyncSheetPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slogging.Get().Warn("invalid SYNC_SHEET payload", "sheet_id", s.SheetID, "error", err)
		return
	}
	if s.document.Replace(payload.Cells, payload.Metadata) {
		s.metrics.SheetResyncs.Inc()
		slogging.Get().Warn("sheet snapshot replaced by competing host",
			"sheet_id", s.SheetID, "user_id", conn.UserID)
	}
	slogging.Get().Info("sheet snapshot synced",
		"sheet_id", s.SheetID, "user_id", conn.UserID, "cells", s.document.Len())
}

func (s *SheetSession) handleCellUpdate(conn *Conn, raw json.RawMessage) {
	var payload CellUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slogging.Get().Warn("invalid CELL_UPDATE payload", "sheet_id", s.SheetID, "error", err)
		return
	}
	if payload.CellID == "" {
		return
	}
	s.document.SetCell(payload.CellID, payload.Value)

	event := CellUpdateEvent{
		CellID:   payload.CellID,
		Value:    payload.Value,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}
	message, err := marshalServerMessage(MsgCellUpdate, event)
	if err != nil {
		return
	}
	// The sender already holds the authoritative local copy.
	s.broadcast(message, conn)
}

func (s *SheetSession) handleBulkUpdate(conn *Conn, raw json.RawMessage) {
	var payload BulkUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slogging.Get().Warn("invalid BULK_UPDATE payload", "sheet_id", s.SheetID, "error", err)
		return
	}
	s.document.SetCells(payload.Cells)

	event := BulkUpdateEvent{
		Cells:    payload.Cells,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}
	message, err := marshalServerMessage(MsgBulkUpdate, event)
	if err != nil {
		return
	}
	s.broadcast(message, conn)
}

// handleCursorMove updates the sender's presence marker and relays the
// position to the other participants as a CURSOR_UPDATE.
func (s *SheetSession) handleCursorMove(conn *Conn, raw json.RawMessage) {
	var payload CursorMovePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slogging.Get().Warn("invalid CURSOR_MOVE payload", "sheet_id", s.SheetID, "error", err)
		return
	}
	s.presence.SetCursor(conn.UserID, payload.Position)

	event := CursorUpdateEvent{
		UserID:   conn.UserID,
		UserName: conn.UserName,
		Position: payload.Position,
	}
	message, err := marshalServerMessage(MsgCursorUpdate, event)
	if err != nil {
		return
	}
	s.broadcast(message, conn)
}

// handleChat relays a chat message to every participant, the sender
// included: clients de-duplicate by identity. Chat is never stored
// server-side.
func (s *SheetSession) handleChat(conn *Conn, raw json.RawMessage) {
	var payload ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slogging.Get().Warn("invalid CHAT_MESSAGE payload", "sheet_id", s.SheetID, "error", err)
		return
	}
	text := payload.Message
	if runes := []rune(text); len(runes) > s.cfg.MaxChatRunes {
		text = string(runes[:s.cfg.MaxChatRunes])
	}

	event := ChatEvent{
		UserID:    conn.UserID,
		UserName:  conn.UserName,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	}
	message, err := marshalServerMessage(MsgChatMessage, event)
	if err != nil {
		return
	}
	s.broadcast(message, nil)
}

// handleHeartbeat refreshes the sender's last-seen timestamp and pushes
// the recomputed roster so every client's presence display converges.
func (s *SheetSession) handleHeartbeat(conn *Conn) {
	if s.presence.Heartbeat(conn.UserID) {
		s.broadcastPresence()
	}
}
