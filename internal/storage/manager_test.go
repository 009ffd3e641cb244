package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestManager_SaveAndListUpstreams(t *testing.T) {
	manager := newTestManager(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, manager.SaveUpstream(&UpstreamRecord{
		ID:      "b",
		Name:    "server-b",
		URL:     "http://upstream-b",
		Status:  "pending",
		Created: now,
		Updated: now,
	}))
	require.NoError(t, manager.SaveUpstream(&UpstreamRecord{
		ID:     "a",
		Name:   "server-a",
		URL:    "http://upstream-a",
		Status: "active",
	}))

	// Saving again replaces the record
	require.NoError(t, manager.SaveUpstream(&UpstreamRecord{
		ID:            "b",
		Name:          "server-b",
		URL:           "http://upstream-b",
		Status:        "offline",
		CircuitBroken: true,
		FailCount:     5,
	}))

	records, err := manager.ListUpstreams()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "offline", records[1].Status)
	assert.True(t, records[1].CircuitBroken)

	record, err := manager.GetUpstream("a")
	require.NoError(t, err)
	assert.Equal(t, "server-a", record.Name)

	_, err = manager.GetUpstream("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestManager_TransitionsHistory(t *testing.T) {
	manager := newTestManager(t)

	states := []string{"pending", "active", "degraded", "offline", "degraded", "active"}
	for i := 1; i < len(states); i++ {
		require.NoError(t, manager.AppendTransition(&TransitionRecord{
			ServerID:  "a",
			From:      states[i-1],
			To:        states[i],
			Timestamp: time.Now(),
		}))
	}

	all, err := manager.ListTransitions("a", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "active", all[0].To)
	assert.Equal(t, "active", all[4].To)

	last, err := manager.ListTransitions("a", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "degraded", last[0].To)
	assert.Equal(t, "active", last[1].To)

	none, err := manager.ListTransitions("unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_HistoryRetention(t *testing.T) {
	manager := newTestManager(t)
	manager.SetHistoryRetention(3)

	for i := 0; i < 7; i++ {
		require.NoError(t, manager.AppendTransition(&TransitionRecord{
			ServerID: "a",
			Reason:   fmt.Sprintf("step-%d", i),
		}))
	}

	// Pruned after the 3rd and 6th append
	all, err := manager.ListTransitions("a", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "step-3", all[0].Reason)
	assert.Equal(t, "step-6", all[3].Reason)
}

func TestManager_Stats(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, manager.SaveUpstream(&UpstreamRecord{ID: "a", URL: "http://a"}))

	stats, err := manager.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["upstreams"])
	assert.Equal(t, uint64(CurrentSchemaVersion), stats["schema_version"])
}

func TestManager_Closed(t *testing.T) {
	manager, err := NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.Error(t, manager.SaveUpstream(&UpstreamRecord{ID: "a"}))
	_, err = manager.ListUpstreams()
	assert.Error(t, err)
}

func TestBoltDB_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()

	db, err := NewBoltDB(dir, logger)
	require.NoError(t, err)
	require.NoError(t, db.SaveUpstream(&UpstreamRecord{ID: "a", URL: "http://a", Status: "active"}))
	require.NoError(t, db.Close())

	db, err = NewBoltDB(dir, logger)
	require.NoError(t, err)
	defer db.Close()

	record, err := db.GetUpstream("a")
	require.NoError(t, err)
	assert.Equal(t, "active", record.Status)
}
