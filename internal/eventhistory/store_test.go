package eventhistory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-history.jsonl")
	store, err := Open(path, 100)
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	store.Append(Row{Timestamp: base, Camera: "front_door", EventID: "1", RiskLevel: "low", Action: "log_only"})
	store.Append(Row{Timestamp: base.Add(time.Minute), Camera: "front_door", EventID: "2", RiskLevel: "high", Action: "lights_siren"})
	store.Close()

	reopened, err := Open(path, 100)
	require.NoError(t, err)
	defer reopened.Close()

	rows := reopened.Rows(base)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].EventID)
	assert.Equal(t, "2", rows[1].EventID)
}

func TestStore_RecentCountForCamera(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-history.jsonl")
	store, err := Open(path, 100)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	store.Append(Row{Timestamp: now.Add(-5 * time.Minute), Camera: "back_yard", EventID: "a"})
	store.Append(Row{Timestamp: now.Add(-20 * time.Minute), Camera: "back_yard", EventID: "b"})
	store.Append(Row{Timestamp: now.Add(-1 * time.Minute), Camera: "front_door", EventID: "c"})

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, store.RecentCountForCamera("back_yard", 10*time.Minute, now))
	assert.Equal(t, 2, store.RecentCountForCamera("back_yard", 30*time.Minute, now))
}

func TestStore_MaxLinesTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-history.jsonl")
	store, err := Open(path, 2)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	store.Append(Row{Timestamp: now, EventID: "1"})
	store.Append(Row{Timestamp: now, EventID: "2"})
	store.Append(Row{Timestamp: now, EventID: "3"})

	time.Sleep(50 * time.Millisecond)

	rows := store.Rows(now.Add(-time.Hour))
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0].EventID)
	assert.Equal(t, "3", rows[1].EventID)
}
