package chunkresource

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/qmeta"
)

type fakeDDL struct {
	mu      sync.Mutex
	created map[Key]int
	dropped map[Key]int
}

func newFakeDDL() *fakeDDL {
	return &fakeDDL{created: make(map[Key]int), dropped: make(map[Key]int)}
}

func (d *fakeDDL) CreateSubChunkTables(ctx context.Context, k Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created[k]++
	return nil
}

func (d *fakeDDL) DropSubChunkTables(ctx context.Context, k Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped[k]++
	return nil
}

func (d *fakeDDL) DropDatabasesWithPrefix(ctx context.Context, prefix string) error { return nil }

func (d *fakeDDL) Mlock(ctx context.Context, table string) error { return nil }

func TestAcquireReleaseReturnsToPreAcquireState(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	ddl := newFakeDDL()
	mgr := NewManager(ddl, mem, nil, nil)
	defer mgr.Shutdown(context.Background())

	k := Key{Database: "db1", Table: "Object", ChunkID: 7, SubChunkID: 0}
	assert.Equal(t, 0, mgr.Len())

	h, err := mgr.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.RefCount(k))
	assert.Equal(t, 1, mgr.Len())

	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, 0, mgr.RefCount(k))
	assert.Equal(t, 0, mgr.Len(), "acquire;release must return the manager to the pre-acquire state")

	assert.Equal(t, 1, ddl.created[k])
	assert.Equal(t, 1, ddl.dropped[k])
}

func TestRefCountOnlyDropsTablesAtZero(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	ddl := newFakeDDL()
	mgr := NewManager(ddl, mem, nil, nil)
	defer mgr.Shutdown(context.Background())

	k := Key{Database: "db1", Table: "Object", ChunkID: 7, SubChunkID: 0}
	h1, err := mgr.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	h2, err := mgr.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.RefCount(k))
	assert.Equal(t, 1, ddl.created[k], "second acquire of the same key must not re-create the tables")

	require.NoError(t, h1.Release(context.Background()))
	assert.Equal(t, 0, ddl.dropped[k])
	require.NoError(t, h2.Release(context.Background()))
	assert.Equal(t, 1, ddl.dropped[k])
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	ddl := newFakeDDL()
	mgr := NewManager(ddl, mem, nil, nil)
	defer mgr.Shutdown(context.Background())

	k := Key{Database: "db1", Table: "Object", ChunkID: 1, SubChunkID: 0}
	h, err := mgr.Acquire(context.Background(), []Key{k})
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, 1, ddl.dropped[k], "a second Release on the same handle must be a no-op")
}

// TestRequireOwnershipFailsAfterTakeover is scenario S6 from spec.md §8: a
// takeover overwriting the memLock row is detected on the next
// RequireOwnership check.
func TestRequireOwnershipFailsAfterTakeover(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	require.NoError(t, mem.RequireOwnership(context.Background()))

	require.NoError(t, store.Write(context.Background(), qmeta.MemLockRow{KeyID: 1, UID: "uidB"}))
	assert.Error(t, mem.RequireOwnership(context.Background()))
}

func TestAcquireFailsFatalOnOwnershipLoss(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	ddl := newFakeDDL()

	var fatalCalled bool
	mgr := NewManager(ddl, mem, nil, func(msg string, fields ...zap.Field) { fatalCalled = true })
	defer mgr.Shutdown(context.Background())

	require.NoError(t, store.Write(context.Background(), qmeta.MemLockRow{KeyID: 1, UID: "uidB"}))

	k := Key{Database: "db1", Table: "Object", ChunkID: 1, SubChunkID: 0}
	_, err := mgr.Acquire(context.Background(), []Key{k})
	assert.Error(t, err)
	assert.True(t, fatalCalled)
	assert.Equal(t, 0, ddl.created[k], "DDL must not run once ownership is lost")
}

func TestMlockSerializesConcurrentCalls(t *testing.T) {
	store := qmeta.NewInMemoryMemLockStore()
	mem := NewMemLock(store, "uidA")
	require.NoError(t, mem.Acquire(context.Background()))
	mgr := NewManager(newFakeDDL(), mem, nil, nil)
	defer mgr.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.Mlock(context.Background(), "Object"))
		}()
	}
	wg.Wait()
}
