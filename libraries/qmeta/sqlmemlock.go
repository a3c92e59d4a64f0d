package qmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gocraft/dbr/v2"
)

// SQLMemLockStore is the production MemLockStore: the single-row memLock
// table in the worker's local MySQL instance, per spec.md §4.6/§6. It
// queries through raw SQL rather than dbr's struct-scanning Select, since
// the memLock table's columns ("keyId", "uid") don't follow dbr's default
// snake_case field mapping.
type SQLMemLockStore struct {
	sess *dbr.Session
}

// NewSQLMemLockStore wraps an already-open Store's session for memLock
// table access.
func NewSQLMemLockStore(s *Store) *SQLMemLockStore {
	return &SQLMemLockStore{sess: s.sess}
}

func (s *SQLMemLockStore) Read(ctx context.Context, keyID int) (MemLockRow, bool, error) {
	var row MemLockRow
	err := s.sess.QueryRowContext(ctx, "SELECT keyId, uid FROM memLock WHERE keyId = ?", keyID).
		Scan(&row.KeyID, &row.UID)
	if errors.Is(err, sql.ErrNoRows) {
		return MemLockRow{}, false, nil
	}
	if err != nil {
		return MemLockRow{}, false, fmt.Errorf("qmeta: read memLock: %w", err)
	}
	return row, true, nil
}

func (s *SQLMemLockStore) Write(ctx context.Context, row MemLockRow) error {
	_, err := s.sess.ExecContext(ctx,
		"INSERT INTO memLock (keyId, uid) VALUES (?, ?) ON DUPLICATE KEY UPDATE uid = VALUES(uid)",
		row.KeyID, row.UID)
	if err != nil {
		return fmt.Errorf("qmeta: write memLock: %w", err)
	}
	return nil
}

func (s *SQLMemLockStore) Delete(ctx context.Context, keyID int) error {
	_, err := s.sess.ExecContext(ctx, "DELETE FROM memLock WHERE keyId = ?", keyID)
	if err != nil {
		return fmt.Errorf("qmeta: delete memLock: %w", err)
	}
	return nil
}

var _ MemLockStore = (*SQLMemLockStore)(nil)
