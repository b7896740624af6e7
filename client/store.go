package client

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sheetai/gridsync/api"
)

var (
	cellsBucket = []byte("cells")
	metaBucket  = []byte("meta")
)

// String returns a pointer to s, for building cell values inline.
func String(s string) *string { return &s }

// SheetStore is the participant's local copy of one sheet, persisted in a
// bbolt file. A non-empty store is what makes this client the host when
// it connects: it pushes its snapshot to the relay instead of waiting for
// hydration. Cell values are stored JSON-encoded so a cleared-but-present
// cell (null) survives round trips.
type SheetStore struct {
	db      *bolt.DB
	sheetID string
}

// OpenSheetStore opens (or creates) the local store for one sheet.
func OpenSheetStore(path, sheetID string) (*SheetStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sheet store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName(cellsBucket, sheetID)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketName(metaBucket, sheetID))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare sheet buckets: %w", err)
	}
	return &SheetStore{db: db, sheetID: sheetID}, nil
}

func bucketName(prefix []byte, sheetID string) []byte {
	return append(append([]byte{}, prefix...), []byte(":"+sheetID)...)
}

// Close closes the underlying database.
func (s *SheetStore) Close() error {
	return s.db.Close()
}

// SetCell persists one cell value.
func (s *SheetStore) SetCell(cellID string, value *string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName(cellsBucket, s.sheetID)).Put([]byte(cellID), encoded)
	})
}

// SetCells persists a batch of cell values in one transaction.
func (s *SheetStore) SetCells(updates []api.CellUpdatePayload) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(cellsBucket, s.sheetID))
		for _, update := range updates {
			encoded, err := json.Marshal(update.Value)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(update.CellID), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAll swaps the stored sheet for the given snapshot.
func (s *SheetStore) ReplaceAll(cells map[string]*string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(cellsBucket, s.sheetID)
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for cellID, value := range cells {
			encoded, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(cellID), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cells loads the full local sheet.
func (s *SheetStore) Cells() (map[string]*string, error) {
	cells := make(map[string]*string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName(cellsBucket, s.sheetID)).ForEach(func(k, v []byte) error {
			var value *string
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("corrupt cell %s: %w", k, err)
			}
			cells[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cells, nil
}

// Cell loads one cell value; ok is false when the cell has no slot.
func (s *SheetStore) Cell(cellID string) (value *string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName(cellsBucket, s.sheetID)).Get([]byte(cellID))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &value)
	})
	return value, ok, err
}

// Len returns the number of stored cell slots.
func (s *SheetStore) Len() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketName(cellsBucket, s.sheetID)).Stats().KeyN
		return nil
	})
	return count, err
}

// Empty reports whether the local sheet holds no cells.
func (s *SheetStore) Empty() (bool, error) {
	count, err := s.Len()
	return count == 0, err
}

// SetLastUpdated records the local snapshot timestamp.
func (s *SheetStore) SetLastUpdated(ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName(metaBucket, s.sheetID)).
			Put([]byte("lastUpdated"), []byte(ts.UTC().Format(time.RFC3339Nano)))
	})
}

// LastUpdated returns the recorded snapshot timestamp, zero when unset.
func (s *SheetStore) LastUpdated() (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName(metaBucket, s.sheetID)).Get([]byte("lastUpdated"))
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return err
		}
		ts = parsed
		return nil
	})
	return ts, err
}
