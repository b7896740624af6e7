package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceTable(t *testing.T) {
	t.Run("JoinAndRoster", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-b", "Bob")
		table.Join("user-a", "Alice")

		roster := table.Roster()
		require.Len(t, roster, 2)
		assert.Equal(t, "user-a", roster[0].UserID)
		assert.Equal(t, "Alice", roster[0].UserName)
		assert.True(t, roster[0].IsOnline)
		assert.Equal(t, "user-b", roster[1].UserID)
	})

	t.Run("RejoinRefreshesEntry", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-a", "Alice")
		table.Join("user-a", "Alice Cooper")

		roster := table.Roster()
		require.Len(t, roster, 1)
		assert.Equal(t, "Alice Cooper", roster[0].UserName)
	})

	t.Run("Leave", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-a", "Alice")
		table.Leave("user-a")
		assert.Equal(t, 0, table.Len())
	})

	t.Run("HeartbeatUnknownUser", func(t *testing.T) {
		table := NewPresenceTable()
		assert.False(t, table.Heartbeat("ghost"))
	})

	t.Run("SetCursor", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-a", "Alice")
		require.True(t, table.SetCursor("user-a", "C7"))
		assert.False(t, table.SetCursor("ghost", "A1"))

		roster := table.Roster()
		require.Len(t, roster, 1)
		assert.Equal(t, "C7", roster[0].CursorPosition)
	})

	t.Run("MarkStaleFlipsOffline", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-a", "Alice")
		table.Join("user-b", "Bob")

		// Age Alice's heartbeat past the cutoff.
		table.entries["user-a"].LastSeen = time.Now().Add(-time.Minute).UnixMilli()

		flipped := table.MarkStale(30 * time.Second)
		assert.Equal(t, 1, flipped)

		roster := table.Roster()
		require.Len(t, roster, 2, "stale entries stay in the roster")
		assert.False(t, roster[0].IsOnline)
		assert.True(t, roster[1].IsOnline)

		// Already offline entries do not flip again.
		assert.Equal(t, 0, table.MarkStale(30*time.Second))
	})

	t.Run("HeartbeatRevivesStaleEntry", func(t *testing.T) {
		table := NewPresenceTable()
		table.Join("user-a", "Alice")
		table.entries["user-a"].LastSeen = time.Now().Add(-time.Minute).UnixMilli()
		require.Equal(t, 1, table.MarkStale(30*time.Second))

		require.True(t, table.Heartbeat("user-a"))
		roster := table.Roster()
		assert.True(t, roster[0].IsOnline)
	})
}
