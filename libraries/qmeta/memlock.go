package qmeta

import "context"

// MemLockRow is the single-row ownership table memLock described in
// spec.md §4.6 / §6: keyId identifies the lock (there is exactly one row
// per worker, keyId is constant), uid identifies the owning process.
type MemLockRow struct {
	KeyID int
	UID   string
}

// MemLockStore is the narrow persistence interface ChunkResourceManager's
// global memory-table lock is built on. A real implementation reads/writes
// the memLock table in the worker's local MySQL instance; tests use an
// in-memory fake.
type MemLockStore interface {
	// Read returns the current row, or ok=false if no row has been
	// written yet (first boot).
	Read(ctx context.Context, keyID int) (row MemLockRow, ok bool, err error)
	// Write unconditionally overwrites the row — used both by the owner
	// claiming the lock and, in tests, to simulate a takeover by another
	// process.
	Write(ctx context.Context, row MemLockRow) error
	// Delete removes the row, used on graceful shutdown (spec.md §4.6
	// "startup recovery").
	Delete(ctx context.Context, keyID int) error
}

// InMemoryMemLockStore is a MemLockStore backed by a map, suitable for
// tests and for the single-process "embedded control DB" deployment mode.
type InMemoryMemLockStore struct {
	rows map[int]MemLockRow
}

func NewInMemoryMemLockStore() *InMemoryMemLockStore {
	return &InMemoryMemLockStore{rows: make(map[int]MemLockRow)}
}

func (s *InMemoryMemLockStore) Read(ctx context.Context, keyID int) (MemLockRow, bool, error) {
	row, ok := s.rows[keyID]
	return row, ok, nil
}

func (s *InMemoryMemLockStore) Write(ctx context.Context, row MemLockRow) error {
	s.rows[row.KeyID] = row
	return nil
}

func (s *InMemoryMemLockStore) Delete(ctx context.Context, keyID int) error {
	delete(s.rows, keyID)
	return nil
}
