package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sheetai/gridsync/api"
	"github.com/sheetai/gridsync/formula"
	"github.com/sheetai/gridsync/internal/slogging"
)

// ErrHydrationTimeout is returned when no INIT_DATA arrives within the
// bounded wait. Without the bound a joiner of a never-synced sheet would
// wait forever.
var ErrHydrationTimeout = errors.New("timed out waiting for sheet hydration")

// BootstrapState is the sync state machine phase.
type BootstrapState int

const (
	// StateConnecting means the transport is not open yet.
	StateConnecting BootstrapState = iota
	// StateAwaitingHydration means this client is not the host and is
	// waiting for INIT_DATA.
	StateAwaitingHydration
	// StateLive is the terminal steady state.
	StateLive
)

// CellApplied is invoked for every cell the bootstrapper applies from
// the relay, with the display value already computed (formulas are
// re-detected and evaluated per value, as if freshly typed).
type CellApplied func(cellID string, value *string, display string)

// Bootstrapper runs the per-connection sync protocol: on open it
// inspects the local store; a non-empty store makes this client the
// host, pushing a full SYNC_SHEET snapshot (at most once per connection,
// guarded by a latch). Otherwise it waits for INIT_DATA. Once live, cell
// updates from other participants are applied directly; echoes of the
// local identity are ignored because the local store is already
// authoritative for its own edits.
type Bootstrapper struct {
	transport *Transport
	store     *SheetStore
	onApplied CellApplied

	mu             sync.Mutex
	state          BootstrapState
	syncedThisConn bool
	hydrated       chan struct{}
	hydrateOnce    sync.Once
	offs           []func()
}

// NewBootstrapper wires a transport and a local store together. onApplied
// may be nil when the caller only wants the store kept current.
func NewBootstrapper(transport *Transport, store *SheetStore, onApplied CellApplied) *Bootstrapper {
	return &Bootstrapper{
		transport: transport,
		store:     store,
		onApplied: onApplied,
		state:     StateConnecting,
		hydrated:  make(chan struct{}),
	}
}

// State returns the current phase.
func (b *Bootstrapper) State() BootstrapState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start registers the protocol handlers. Call before Transport.Connect.
func (b *Bootstrapper) Start() {
	b.transport.OnConnect(b.determineRole)
	b.offs = append(b.offs,
		b.transport.On(api.MsgInitData, b.handleInitData),
		b.transport.On(api.MsgCellUpdate, b.handleCellUpdate),
		b.transport.On(api.MsgBulkUpdate, b.handleBulkUpdate),
	)
}

// Stop unsubscribes the protocol handlers.
func (b *Bootstrapper) Stop() {
	for _, off := range b.offs {
		off()
	}
	b.offs = nil
}

// determineRole runs once per connection open. The latch resets here so
// a reconnect re-evaluates the role against the current local store.
func (b *Bootstrapper) determineRole() {
	b.mu.Lock()
	b.syncedThisConn = false
	b.mu.Unlock()

	empty, err := b.store.Empty()
	if err != nil {
		slogging.Get().Error("failed to inspect local sheet store", "error", err)
		return
	}

	if empty {
		b.mu.Lock()
		if b.state == StateConnecting {
			b.state = StateAwaitingHydration
		}
		b.mu.Unlock()
		return
	}

	// Host role: push the full local snapshot.
	b.mu.Lock()
	if b.syncedThisConn {
		b.mu.Unlock()
		return
	}
	b.syncedThisConn = true
	b.state = StateLive
	b.mu.Unlock()

	cells, err := b.store.Cells()
	if err != nil {
		slogging.Get().Error("failed to load local sheet for sync", "error", err)
		return
	}
	lastUpdated, err := b.store.LastUpdated()
	if err != nil || lastUpdated.IsZero() {
		// Older stores predate the timestamp; stamp them now.
		lastUpdated = time.Now()
		b.touchLastUpdated(lastUpdated)
	}
	payload := api.SyncSheetPayload{
		Cells: cells,
		Metadata: map[string]interface{}{
			"sheetId":     b.transport.opts.SheetID,
			"lastUpdated": lastUpdated.UnixMilli(),
		},
	}
	if err := b.transport.Send(api.MsgSyncSheet, payload); err != nil {
		slogging.Get().Warn("failed to push host snapshot", "error", err)
		return
	}
	slogging.Get().Info("pushed host snapshot", "cells", len(cells))
	b.markHydrated()
}

// WaitForHydration blocks until the sheet is hydrated (or this client
// turned out to be the host), the context ends, or the timeout expires.
func (b *Bootstrapper) WaitForHydration(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.hydrated:
		return nil
	case <-timer.C:
		return ErrHydrationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bootstrapper) markHydrated() {
	b.hydrateOnce.Do(func() { close(b.hydrated) })
	b.mu.Lock()
	b.state = StateLive
	b.mu.Unlock()
}

func (b *Bootstrapper) handleInitData(data json.RawMessage) {
	var event api.InitDataEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slogging.Get().Warn("invalid INIT_DATA payload", "error", err)
		return
	}
	if len(event.Cells) == 0 {
		return
	}

	if err := b.store.ReplaceAll(event.Cells); err != nil {
		slogging.Get().Error("failed to store hydrated sheet", "error", err)
		return
	}
	b.touchLastUpdated(time.Now())
	// Apply every cell as if freshly typed, re-running formula
	// detection per value.
	for cellID, value := range event.Cells {
		b.applyCell(cellID, value)
	}
	slogging.Get().Info("sheet hydrated from relay", "cells", len(event.Cells))
	b.markHydrated()
}

func (b *Bootstrapper) handleCellUpdate(data json.RawMessage) {
	var event api.CellUpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slogging.Get().Warn("invalid CELL_UPDATE payload", "error", err)
		return
	}
	// The local store is authoritative for this participant's own edits.
	if event.UserID == b.transport.opts.UserID {
		return
	}
	if err := b.store.SetCell(event.CellID, event.Value); err != nil {
		slogging.Get().Error("failed to store remote cell update", "error", err)
		return
	}
	b.touchLastUpdated(time.Now())
	b.applyCell(event.CellID, event.Value)
}

func (b *Bootstrapper) handleBulkUpdate(data json.RawMessage) {
	var event api.BulkUpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slogging.Get().Warn("invalid BULK_UPDATE payload", "error", err)
		return
	}
	if event.UserID == b.transport.opts.UserID {
		return
	}
	if err := b.store.SetCells(event.Cells); err != nil {
		slogging.Get().Error("failed to store remote bulk update", "error", err)
		return
	}
	b.touchLastUpdated(time.Now())
	for _, update := range event.Cells {
		b.applyCell(update.CellID, update.Value)
	}
}

// applyCell computes the display value (evaluating formulas against the
// local store) and notifies the consumer.
func (b *Bootstrapper) applyCell(cellID string, value *string) {
	if b.onApplied == nil {
		return
	}
	display := ""
	if value != nil {
		display = *value
		if formula.IsFormula(*value) {
			display = formula.Evaluate(*value, b.lookup)
		}
	}
	b.onApplied(cellID, value, display)
}

// touchLastUpdated keeps the store's snapshot timestamp current. Failing
// to stamp it never blocks the edit itself.
func (b *Bootstrapper) touchLastUpdated(ts time.Time) {
	if err := b.store.SetLastUpdated(ts); err != nil {
		slogging.Get().Warn("failed to record sheet timestamp", "error", err)
	}
}

// lookup resolves a cell reference for formula evaluation.
func (b *Bootstrapper) lookup(cellID string) (string, bool) {
	value, ok, err := b.store.Cell(cellID)
	if err != nil || !ok || value == nil {
		return "", false
	}
	return *value, true
}

// SetLocalCell records a local edit and broadcasts it fire-and-forget.
// The optimistic local write happens regardless of connectivity; the
// wire send is skipped with a warning while offline.
func (b *Bootstrapper) SetLocalCell(cellID string, value *string) error {
	if err := b.store.SetCell(cellID, value); err != nil {
		return err
	}
	b.touchLastUpdated(time.Now())
	if err := b.transport.Send(api.MsgCellUpdate, api.CellUpdatePayload{
		CellID: cellID,
		Value:  value,
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// SetLocalCells records a batch edit (paste, drag-fill) and broadcasts it.
func (b *Bootstrapper) SetLocalCells(updates []api.CellUpdatePayload) error {
	if err := b.store.SetCells(updates); err != nil {
		return err
	}
	b.touchLastUpdated(time.Now())
	if err := b.transport.Send(api.MsgBulkUpdate, api.BulkUpdatePayload{
		Cells: updates,
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}
