package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/stream"
)

// =============================================================================
// 🧪 SnapshotStore 测试
// =============================================================================

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *SnapshotStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config := DefaultConfig()
	config.Addr = mr.Addr()
	config.SnapshotTTL = time.Minute

	store, err := NewSnapshotStore(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return mr, store
}

func sampleStats() stream.Stats {
	start := time.Now().Add(-3 * time.Second).UTC().Truncate(time.Millisecond)
	return stream.Stats{
		TotalChunks:      12,
		TotalSize:        4096,
		StartTime:        start,
		EndTime:          start.Add(3 * time.Second),
		AverageChunkSize: 4096.0 / 12,
	}
}

func TestSnapshotStore_SaveAndLoad(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	stats := sampleStats()
	require.NoError(t, store.Save(ctx, "stream-1", stream.EndReasonCompleted, stats))

	snap, err := store.Load(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "stream-1", snap.StreamID)
	assert.Equal(t, stream.EndReasonCompleted, snap.Reason)
	assert.Equal(t, stats.TotalChunks, snap.Stats.TotalChunks)
	assert.Equal(t, stats.TotalSize, snap.Stats.TotalSize)
	assert.True(t, stats.EndTime.Equal(snap.Stats.EndTime))
	assert.False(t, snap.SavedAt.IsZero())
}

func TestSnapshotStore_LoadMiss(t *testing.T) {
	_, store := setupTestStore(t)

	snap, err := store.Load(context.Background(), "never-created")
	assert.Nil(t, snap)
	assert.True(t, IsSnapshotMiss(err))
}

func TestSnapshotStore_TTLExpiry(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ephemeral", stream.EndReasonError, sampleStats()))

	_, err := store.Load(ctx, "ephemeral")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Load(ctx, "ephemeral")
	assert.True(t, IsSnapshotMiss(err))
}

func TestSnapshotStore_Delete(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a", stream.EndReasonCompleted, sampleStats()))
	require.NoError(t, store.Save(ctx, "b", stream.EndReasonCancelled, sampleStats()))

	require.NoError(t, store.Delete(ctx, "a", "b"))

	_, err := store.Load(ctx, "a")
	assert.True(t, IsSnapshotMiss(err))
	_, err = store.Load(ctx, "b")
	assert.True(t, IsSnapshotMiss(err))
}

func TestSnapshotStore_DeleteNoKeys(t *testing.T) {
	_, store := setupTestStore(t)
	assert.NoError(t, store.Delete(context.Background()))
}

func TestSnapshotStore_ClosedStore(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	assert.Error(t, store.Save(ctx, "x", stream.EndReasonCompleted, sampleStats()))
	_, err := store.Load(ctx, "x")
	assert.Error(t, err)
	assert.False(t, IsSnapshotMiss(err))
	assert.Error(t, store.Ping(ctx))
}

func TestSnapshotStore_ConnectFailure(t *testing.T) {
	config := DefaultConfig()
	config.Addr = "localhost:1" // nothing listens here

	store, err := NewSnapshotStore(config, zap.NewNop())
	assert.Nil(t, store)
	assert.Error(t, err)
}

func TestSnapshotStore_OnStreamEndHook(t *testing.T) {
	_, store := setupTestStore(t)

	hook := store.OnStreamEnd()
	hook("hooked", stream.EndReasonCompleted, sampleStats())

	snap, err := store.Load(context.Background(), "hooked")
	require.NoError(t, err)
	assert.Equal(t, stream.EndReasonCompleted, snap.Reason)
}

func TestSnapshotStore_Ping(t *testing.T) {
	_, store := setupTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
