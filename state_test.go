package scansync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubQueue reports an unusable backend. Operations behind the
// availability guard are never reached, so the embedded interface can
// stay nil.
type stubQueue struct {
	Queue
}

func (stubQueue) Available() bool { return false }

func newTestStore(t *testing.T) (*QueueStore, *SQLiteQueue) {
	t.Helper()
	queue := newTestQueue(t)
	store := NewQueueStore(queue, nil)
	require.True(t, store.CheckDBAvailability())
	return store, queue
}

func TestQueueStore_UnavailableBackend(t *testing.T) {
	store := NewQueueStore(stubQueue{}, nil)
	ctx := context.Background()

	assert.False(t, store.CheckDBAvailability())
	assert.False(t, store.DBAvailable())

	scan, err := store.AddScanToQueue(ctx, "KMB-1", nil)
	assert.Nil(t, scan)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, ErrStorageUnavailable.Error(), store.Snapshot().LastSyncError)

	assert.False(t, store.CheckDuplicate(ctx, "KMB-1", 0), "duplicate suppression is best effort")

	pending, err := store.GetPendingScans(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	failed, err := store.GetFailedScans(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// All of these must be silent no-ops.
	store.RefreshQueueStats(ctx)
	store.UpdateScanStatus(ctx, "scan_x", StatusFailed, "boom")
	store.RemoveScansFromQueue(ctx, []string{"scan_x"})
}

func TestQueueStore_AddRefreshesCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	scan, err := store.AddScanToQueue(ctx, "KMB-1", nil)
	require.NoError(t, err)
	require.NotNil(t, scan)
	_, err = store.AddScanToQueue(ctx, "KMB-2", nil)
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.Equal(t, 2, snap.QueueCount)
	assert.Equal(t, 2, snap.PendingCount)
	assert.Zero(t, snap.FailedCount)
}

func TestQueueStore_UpdateAndRemove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.AddScanToQueue(ctx, "KMB-1", nil)
	require.NoError(t, err)
	second, err := store.AddScanToQueue(ctx, "KMB-2", nil)
	require.NoError(t, err)

	store.UpdateScanStatus(ctx, first.ID, StatusFailed, "no match")
	snap := store.Snapshot()
	assert.Equal(t, 1, snap.PendingCount)
	assert.Equal(t, 1, snap.FailedCount)

	store.RemoveScansFromQueue(ctx, []string{first.ID, second.ID})
	snap = store.Snapshot()
	assert.Zero(t, snap.QueueCount)
	assert.Zero(t, snap.PendingCount)
	assert.Zero(t, snap.FailedCount)

	store.RemoveScansFromQueue(ctx, nil) // no-op
}

func TestQueueStore_CheckDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddScanToQueue(ctx, "KMB-DUP", nil)
	require.NoError(t, err)

	assert.True(t, store.CheckDuplicate(ctx, "KMB-DUP", 0))
	assert.False(t, store.CheckDuplicate(ctx, "KMB-NEW", 0))
}

func TestQueueStore_SessionSettersAndReset(t *testing.T) {
	store := NewQueueStore(stubQueue{}, nil)
	store.CheckDBAvailability()

	// Session setters describe the engine's own state and must work
	// even without a usable backend.
	store.SetSyncInProgress(true)
	now := time.Now()
	store.SetLastSyncAt(now)
	store.SetLastSyncError("transient")

	snap := store.Snapshot()
	assert.True(t, snap.SyncInProgress)
	require.NotNil(t, snap.LastSyncAt)
	assert.Equal(t, now, *snap.LastSyncAt)
	assert.Equal(t, "transient", snap.LastSyncError)

	store.SetLastSyncError("")
	assert.Empty(t, store.Snapshot().LastSyncError)

	store.Reset()
	snap = store.Snapshot()
	assert.False(t, snap.SyncInProgress)
	assert.Nil(t, snap.LastSyncAt)
	assert.False(t, snap.DBAvailable)
	assert.Zero(t, snap.QueueCount)
}
