package api

import "time"

// DocumentCache is the per-sheet in-memory snapshot of cell contents and
// metadata. It is mutated only from the owning session's run loop, so it
// needs no locking of its own. Values are last-write-wins: whichever update
// is processed last for a cell reference is the truth.
type DocumentCache struct {
	cells    map[string]*string
	metadata map[string]interface{}
	syncedAt time.Time
	synced   bool
}

// NewDocumentCache creates an empty document cache.
func NewDocumentCache() *DocumentCache {
	return &DocumentCache{
		cells:    make(map[string]*string),
		metadata: make(map[string]interface{}),
	}
}

// Replace swaps in a full snapshot from a syncing host. Returns true when
// the replaced cache already held cells, which signals a competing host.
func (d *DocumentCache) Replace(cells map[string]*string, metadata map[string]interface{}) bool {
	hadData := len(d.cells) > 0
	d.cells = make(map[string]*string, len(cells))
	for ref, value := range cells {
		d.cells[ref] = value
	}
	d.metadata = make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		d.metadata[key] = value
	}
	d.syncedAt = time.Now().UTC()
	d.synced = true
	return hadData
}

// SetCell records a single cell value.
func (d *DocumentCache) SetCell(cellID string, value *string) {
	d.cells[cellID] = value
}

// SetCells records a batch of cell values in order.
func (d *DocumentCache) SetCells(updates []CellUpdatePayload) {
	for _, update := range updates {
		d.cells[update.CellID] = update.Value
	}
}

// Cell returns the stored value for a cell reference.
func (d *DocumentCache) Cell(cellID string) (*string, bool) {
	value, ok := d.cells[cellID]
	return value, ok
}

// Len returns the number of cell slots held.
func (d *DocumentCache) Len() int {
	return len(d.cells)
}

// Empty reports whether the cache holds no cells.
func (d *DocumentCache) Empty() bool {
	return len(d.cells) == 0
}

// Snapshot copies the current cells and metadata for hydration of a new
// client. The copy keeps later mutations from racing the write pump.
func (d *DocumentCache) Snapshot() InitDataEvent {
	cells := make(map[string]*string, len(d.cells))
	for ref, value := range d.cells {
		cells[ref] = value
	}
	metadata := make(map[string]interface{}, len(d.metadata))
	for key, value := range d.metadata {
		metadata[key] = value
	}
	return InitDataEvent{Cells: cells, Metadata: metadata}
}
