// Package chunkresource implements ChunkResourceManager (spec.md §4.6): a
// reference-counted registry of materialized sub-chunk tables, guarded by
// the global memory-table lock.
package chunkresource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dolthub/fslock"
	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/chunkresource/keymutex"
	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
)

// Key identifies one sub-chunk resource: (database, table, chunkId,
// subChunkId), per spec.md §3.
type Key struct {
	Database   string
	Table      string
	ChunkID    uint32
	SubChunkID uint32
}

// TableName returns the materialized sub-chunk table's database and table
// name, per spec.md §3's "Subchunks_<db>_<chunk>" / "<base>_<chunk>_<sub>"
// naming scheme.
func (k Key) TableName() (database, table string) {
	return fmt.Sprintf("Subchunks_%s_%d", k.Database, k.ChunkID),
		fmt.Sprintf("%s_%d_%d", k.Table, k.ChunkID, k.SubChunkID)
}

type entry struct {
	refCount int
}

// DDL is the narrow interface the manager needs to materialize and drop
// sub-chunk tables; production wiring is a MySQL connection, tests use a
// fake.
type DDL interface {
	CreateSubChunkTables(ctx context.Context, k Key) error
	DropSubChunkTables(ctx context.Context, k Key) error
	DropDatabasesWithPrefix(ctx context.Context, prefix string) error
	Mlock(ctx context.Context, table string) error
}

// Handle is returned by Acquire and releases every key it was granted for
// exactly once.
type Handle struct {
	mgr  *Manager
	keys []Key
}

// Release decrements the ref-count for every key the handle holds; a
// ref-count reaching zero drops that key's table through DDL. Each key has
// one materialized table; no separate overlap table is created or dropped.
// Release is
// idempotent — calling it twice only releases once.
func (h *Handle) Release(ctx context.Context) error {
	if h.keys == nil {
		return nil
	}
	keys := h.keys
	h.keys = nil
	return h.mgr.release(ctx, keys)
}

// Manager is the worker-side ChunkResourceManager, keyed by (database,
// table, chunkId, subChunkId), backed by the global memory-table lock.
type Manager struct {
	ddl    DDL
	mem    *MemLock
	fatal  qerrors.FatalFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	keyLock *keymutex.Mapped[Key]

	mlockCh   chan mlockJob
	mlockDone chan struct{}

	fileGuard *FileGuard
}

type mlockJob struct {
	table string
	done  chan error
}

// NewManager constructs a Manager.
func NewManager(ddl DDL, mem *MemLock, logger *zap.Logger, fatal qerrors.FatalFunc) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fatal == nil {
		fatal = qerrors.ZapFatal(logger)
	}
	m := &Manager{
		ddl:       ddl,
		mem:       mem,
		fatal:     fatal,
		logger:    logger,
		entries:   make(map[Key]*entry),
		keyLock:   keymutex.New[Key](),
		mlockCh:   make(chan mlockJob),
		mlockDone: make(chan struct{}),
	}
	go m.mlockLoop()
	return m
}

// Startup implements spec.md §4.6's "startup recovery": take the advisory
// dataDir file guard (if fslockPath is non-empty), drop every stale
// sub-chunk database, then claim the memory-table lock for this process.
// The file guard is acquired first so two worker processes started against
// the same data directory on the same host fail fast before either one
// touches MySQL (SPEC_FULL.md §4.6's defense-in-depth addition).
func (m *Manager) Startup(ctx context.Context, subChunkPrefix, fslockPath string) error {
	if fslockPath != "" {
		guard := NewFileGuard(fslockPath)
		if err := guard.Acquire(); err != nil {
			return fmt.Errorf("chunkresource: dataDir already locked: %w", err)
		}
		m.fileGuard = guard
	}
	if err := m.ddl.DropDatabasesWithPrefix(ctx, subChunkPrefix); err != nil {
		return err
	}
	return m.mem.Acquire(ctx)
}

// Shutdown stops the mlock loop, releases the dataDir file guard if
// Startup took one, and removes this process's memLock row through
// MemLock.Release. The lock database itself is not dropped.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.mlockDone)
	if m.fileGuard != nil {
		if err := m.fileGuard.Release(); err != nil {
			m.logger.Warn("chunkresource: failed to release dataDir file guard", zap.Error(err))
		}
	}
	return m.mem.Release(ctx)
}

// Acquire materializes (if needed) and ref-counts every key, returning a
// scoped Handle. Every key's DDL is preceded by requireOwnership, per
// invariant 5 in spec.md §8.
func (m *Manager) Acquire(ctx context.Context, keys []Key) (*Handle, error) {
	for _, k := range keys {
		if err := m.acquireOne(ctx, k); err != nil {
			// Roll back any keys already acquired in this call.
			acquired := make([]Key, 0, len(keys))
			for _, prior := range keys {
				if prior == k {
					break
				}
				acquired = append(acquired, prior)
			}
			_ = m.release(ctx, acquired)
			return nil, err
		}
	}
	return &Handle{mgr: m, keys: append([]Key(nil), keys...)}, nil
}

func (m *Manager) acquireOne(ctx context.Context, k Key) error {
	if err := m.keyLock.Lock(ctx, k); err != nil {
		return err
	}
	defer m.keyLock.Unlock(k)

	m.mu.Lock()
	e, ok := m.entries[k]
	needsCreate := !ok
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	m.mu.Unlock()

	if needsCreate {
		if err := m.mem.RequireOwnership(ctx); err != nil {
			m.mu.Lock()
			delete(m.entries, k)
			m.mu.Unlock()
			m.fatal("chunkresource: memory-lock ownership lost", zap.String("key", fmt.Sprint(k)))
			return err
		}
		if err := m.ddl.CreateSubChunkTables(ctx, k); err != nil {
			m.mu.Lock()
			delete(m.entries, k)
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	e.refCount++
	m.mu.Unlock()
	return nil
}

func (m *Manager) release(ctx context.Context, keys []Key) error {
	var firstErr error
	for _, k := range keys {
		if err := m.releaseOne(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) releaseOne(ctx context.Context, k Key) error {
	if err := m.keyLock.Lock(ctx, k); err != nil {
		return err
	}
	defer m.keyLock.Unlock(k)

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	e.refCount--
	drop := e.refCount <= 0
	if drop {
		delete(m.entries, k)
	}
	m.mu.Unlock()

	if !drop {
		return nil
	}
	if err := m.mem.RequireOwnership(ctx); err != nil {
		m.fatal("chunkresource: memory-lock ownership lost", zap.String("key", fmt.Sprint(k)))
		return err
	}
	return m.ddl.DropSubChunkTables(ctx, k)
}

// RefCount reports the current ref-count for k, 0 if untracked. Used by
// tests asserting the acquire/release idempotence law.
func (m *Manager) RefCount(k Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return 0
	}
	return e.refCount
}

// Len reports how many distinct keys are currently materialized, used by
// invariant 2 ("no leaks": the ref-count map is empty after quiescence).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Mlock serializes a materialized table's mlock request through the
// manager's single FIFO event loop (spec.md §4.6: "two concurrent mlock
// calls interfere with each other").
func (m *Manager) Mlock(ctx context.Context, table string) error {
	done := make(chan error, 1)
	select {
	case m.mlockCh <- mlockJob{table: table, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.mlockDone:
		return fmt.Errorf("chunkresource: manager shut down")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) mlockLoop() {
	for {
		select {
		case job := <-m.mlockCh:
			job.done <- m.ddl.Mlock(context.Background(), job.table)
		case <-m.mlockDone:
			return
		}
	}
}

// FileGuard wraps a process-local advisory file lock from
// github.com/dolthub/fslock, guarding dataDir in addition to the memLock
// database row so two worker processes started against the same data
// directory on the same host fail fast before ever touching MySQL
// (SPEC_FULL.md §4.6).
type FileGuard struct {
	lock *fslock.Lock
}

// NewFileGuard prepares a FileGuard over the lock file at path (typically
// "<dataDir>/.qserv.lock").
func NewFileGuard(path string) *FileGuard {
	return &FileGuard{lock: fslock.New(path)}
}

// Acquire takes the advisory file lock, failing fast if another process
// already holds it.
func (g *FileGuard) Acquire() error {
	return g.lock.LockWithTimeout(100 * time.Millisecond)
}

// Release drops the advisory file lock.
func (g *FileGuard) Release() error {
	return g.lock.Unlock()
}
