package qmeta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsFillsZeroPorts(t *testing.T) {
	w := WorkerConfig{Name: "worker01", SvcPort: 5012}
	w.ApplyDefaults(DefaultsConfig{SvcPort: 9999, FsPort: 25002, LoaderPort: 25006, ExporterPort: 25003, HTTPLoaderPort: 25004})

	assert.Equal(t, 5012, w.SvcPort, "explicit value must not be overridden")
	assert.Equal(t, 25002, w.FsPort)
	assert.Equal(t, 25006, w.LoaderPort)
	assert.Equal(t, 25003, w.ExporterPort)
	assert.Equal(t, 25004, w.HTTPLoaderPort)
}

func TestQueryProgressDone(t *testing.T) {
	assert.False(t, QueryProgress{TotalChunks: 10, CompletedChunks: 9}.Done())
	assert.True(t, QueryProgress{TotalChunks: 10, CompletedChunks: 10}.Done())
	assert.False(t, QueryProgress{TotalChunks: 0, CompletedChunks: 0}.Done())
}

func TestInMemoryMemLockStore(t *testing.T) {
	store := NewInMemoryMemLockStore()
	ctx := context.Background()

	_, ok, err := store.Read(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Write(ctx, MemLockRow{KeyID: 1, UID: "uidA"}))
	row, ok, err := store.Read(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uidA", row.UID)

	require.NoError(t, store.Write(ctx, MemLockRow{KeyID: 1, UID: "uidB"}))
	row, _, _ = store.Read(ctx, 1)
	assert.Equal(t, "uidB", row.UID)

	require.NoError(t, store.Delete(ctx, 1))
	_, ok, _ = store.Read(ctx, 1)
	assert.False(t, ok)
}

func TestInMemoryPersisterRecordsInOrder(t *testing.T) {
	p := NewInMemoryPersister()
	ctx := context.Background()
	require.NoError(t, p.Persist(ctx, Transition{EntityID: "r1", State: "IN_PROGRESS", Timestamp: 1}))
	require.NoError(t, p.Persist(ctx, Transition{EntityID: "r1", State: "FINISHED", Extended: "SUCCESS", Timestamp: 2}))

	got := p.Transitions()
	require.Len(t, got, 2)
	assert.Equal(t, "IN_PROGRESS", got[0].State)
	assert.Equal(t, "FINISHED", got[1].State)
}

func TestFailingPersisterReturnsErr(t *testing.T) {
	p := &FailingPersister{Err: assertErr}
	require.Error(t, p.Persist(context.Background(), Transition{}))
}

var assertErr = &testErr{"boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
