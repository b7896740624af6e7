package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDocumentCache(t *testing.T) {
	t.Run("SetCell", func(t *testing.T) {
		cache := NewDocumentCache()
		assert.True(t, cache.Empty())

		cache.SetCell("A1", strPtr("42"))
		value, ok := cache.Cell("A1")
		require.True(t, ok)
		require.NotNil(t, value)
		assert.Equal(t, "42", *value)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("NilValueKeepsSlot", func(t *testing.T) {
		cache := NewDocumentCache()
		cache.SetCell("B2", strPtr("hello"))
		cache.SetCell("B2", nil)

		value, ok := cache.Cell("B2")
		assert.True(t, ok)
		assert.Nil(t, value)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("LastWriteWins", func(t *testing.T) {
		cache := NewDocumentCache()
		cache.SetCell("A1", strPtr("first"))
		cache.SetCell("A1", strPtr("second"))

		value, ok := cache.Cell("A1")
		require.True(t, ok)
		assert.Equal(t, "second", *value)
	})

	t.Run("SetCellsAppliesInOrder", func(t *testing.T) {
		cache := NewDocumentCache()
		cache.SetCells([]CellUpdatePayload{
			{CellID: "A1", Value: strPtr("1")},
			{CellID: "B1", Value: strPtr("2")},
			{CellID: "A1", Value: strPtr("3")},
		})

		value, ok := cache.Cell("A1")
		require.True(t, ok)
		assert.Equal(t, "3", *value)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("ReplaceReportsCompetingHost", func(t *testing.T) {
		cache := NewDocumentCache()
		hadData := cache.Replace(map[string]*string{"A1": strPtr("10")}, map[string]interface{}{"sheetId": "s1"})
		assert.False(t, hadData)

		hadData = cache.Replace(map[string]*string{"B1": strPtr("20")}, nil)
		assert.True(t, hadData)

		_, ok := cache.Cell("A1")
		assert.False(t, ok, "replace must drop the previous snapshot")
		value, ok := cache.Cell("B1")
		require.True(t, ok)
		assert.Equal(t, "20", *value)
	})

	t.Run("SnapshotIsIndependent", func(t *testing.T) {
		cache := NewDocumentCache()
		cache.SetCell("A1", strPtr("10"))

		snapshot := cache.Snapshot()
		cache.SetCell("A1", strPtr("changed"))
		cache.SetCell("C3", strPtr("new"))

		require.NotNil(t, snapshot.Cells["A1"])
		assert.Equal(t, "10", *snapshot.Cells["A1"])
		_, ok := snapshot.Cells["C3"]
		assert.False(t, ok)
	})
}
