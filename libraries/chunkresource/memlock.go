package chunkresource

import (
	"context"
	"fmt"

	"github.com/lsst/qserv-sub025/libraries/qmeta"
)

// memLockKeyID is the single well-known row id memLock uses; there is
// exactly one row per worker (spec.md §4.6).
const memLockKeyID = 1

// MemLock is the global memory-table lock described in spec.md §4.6: a
// process-wide, database-backed lock distinct from any in-process mutex.
type MemLock struct {
	store qmeta.MemLockStore
	uid   string
}

// NewMemLock builds a MemLock identifying this process by uid (typically a
// uuid generated once at worker startup).
func NewMemLock(store qmeta.MemLockStore, uid string) *MemLock {
	return &MemLock{store: store, uid: uid}
}

// Acquire writes this process's uid into the memLock row, claiming
// ownership unconditionally (spec.md §4.6's "startup recovery": the
// manager has already dropped stale sub-chunk databases before this call).
func (l *MemLock) Acquire(ctx context.Context) error {
	return l.store.Write(ctx, qmeta.MemLockRow{KeyID: memLockKeyID, UID: l.uid})
}

// Release removes the memLock row on graceful shutdown.
func (l *MemLock) Release(ctx context.Context) error {
	return l.store.Delete(ctx, memLockKeyID)
}

// RequireOwnership re-reads the memLock row and returns an error if the
// uid on record no longer matches this process — scenario S6 from spec.md
// §8: a takeover by another process must be detected before the next
// sub-chunk DDL, and is fatal to this process.
func (l *MemLock) RequireOwnership(ctx context.Context) error {
	row, ok, err := l.store.Read(ctx, memLockKeyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chunkresource: memory lock row missing")
	}
	if row.UID != l.uid {
		return fmt.Errorf("chunkresource: memory lock owned by %q, not %q", row.UID, l.uid)
	}
	return nil
}
