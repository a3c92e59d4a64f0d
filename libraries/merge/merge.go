// Package merge implements ResultMerger (spec.md §4.8): the czar-side
// component that imports per-chunk dump tables into one target merge
// table and finalizes it into the user-visible result.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncQueryManager is the narrow callback surface ResultMerger squashes
// into when the result limit is exceeded (spec.md §4.8's "callback into
// AsyncQueryManager").
type AsyncQueryManager interface {
	SquashRemaining()
	MarkFaulty()
}

// Execer is the slice of *dbr.Session (and, by extension, *sql.DB) that
// ResultMerger needs: running composed DDL/DML against the result-merge
// database (cmd/czar passes its result-merge session). Narrowing to this interface keeps dbr as an implementation
// detail, grounded in the teacher's use of gocraft/dbr/v2 as a thin SQL
// builder rather than a full ORM, while letting tests substitute a fake.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ResultMerger maintains the target merge table named
// `<targetDb>.result_<timestampedId>` and imports per-chunk dump tables
// into it.
type ResultMerger struct {
	sess     Execer
	targetDB string
	mergeID  string
	manager  AsyncQueryManager
	logger   *zap.Logger

	resultLimit int64

	mu          sync.Mutex
	created     bool
	createErr   error
	totalSize   int64
	squashed    bool
}

// New builds a ResultMerger targeting `<targetDB>.result_<mergeID>`, with
// merges refused once totalSize exceeds resultLimit bytes.
func New(sess Execer, targetDB, mergeID string, resultLimit int64, manager AsyncQueryManager, logger *zap.Logger) *ResultMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultMerger{
		sess:        sess,
		targetDB:    targetDB,
		mergeID:     mergeID,
		manager:     manager,
		logger:      logger,
		resultLimit: resultLimit,
	}
}

// MergeTableName is `<targetDb>.result_<mergeID>`.
func (m *ResultMerger) MergeTableName() string {
	return fmt.Sprintf("%s.result_%s", m.targetDB, m.mergeID)
}

// Merge imports dumpTable (already imported from the wire transfer into a
// per-chunk table on the czar's MySQL instance) into the merge table,
// creating the merge table on the first call (spec.md §4.8). Any thread
// may call Merge; the create-first-time step is serialized, subsequent
// imports run concurrently subject only to MySQL's own locking.
func (m *ResultMerger) Merge(ctx context.Context, dumpTable string, dumpSizeBytes int64) error {
	m.mu.Lock()
	if m.squashed {
		m.mu.Unlock()
		return fmt.Errorf("merge: query squashed, dump %s not merged", dumpTable)
	}
	m.mu.Unlock()

	if err := m.ensureCreated(ctx, dumpTable); err != nil {
		return err
	}

	insert := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", m.MergeTableName(), dumpTable)
	if _, err := m.sess.ExecContext(ctx, insert); err != nil {
		return fmt.Errorf("merge: insert from %s: %w", dumpTable, err)
	}
	if _, err := m.sess.ExecContext(ctx, "DROP TABLE "+dumpTable); err != nil {
		m.logger.Warn("merge: failed to drop per-chunk import table", zap.String("table", dumpTable), zap.Error(err))
	}

	m.recordSize(dumpSizeBytes)
	return nil
}

// ensureCreated runs "CREATE TABLE ... SELECT * FROM <dumpTable> LIMIT 0"
// exactly once, even under concurrent callers (spec.md §4.8, §5's
// happens-before guarantee for merge creation, and §8 invariant 4).
func (m *ResultMerger) ensureCreated(ctx context.Context, firstDumpTable string) error {
	m.mu.Lock()
	if m.created {
		err := m.createErr
		m.mu.Unlock()
		return err
	}
	create := fmt.Sprintf("CREATE TABLE %s SELECT * FROM %s LIMIT 0", m.MergeTableName(), firstDumpTable)
	_, err := m.sess.ExecContext(ctx, create)
	if err != nil {
		// Leave created=false so a later call can retry the create step.
		m.mu.Unlock()
		return fmt.Errorf("merge: create merge table: %w", err)
	}
	m.created = true
	m.mu.Unlock()
	return nil
}

// recordSize adds dumpSizeBytes to totalSize and, if resultLimit is now
// exceeded, fires squashRemaining exactly once (spec.md §4.8, scenario S3).
func (m *ResultMerger) recordSize(dumpSizeBytes int64) {
	m.mu.Lock()
	m.totalSize += dumpSizeBytes
	exceeded := m.resultLimit > 0 && m.totalSize > m.resultLimit
	fire := exceeded && !m.squashed
	if fire {
		m.squashed = true
	}
	m.mu.Unlock()

	if fire && m.manager != nil {
		m.manager.MarkFaulty()
		m.manager.SquashRemaining()
	}
}

// TotalSize reports the sum of imported dump bytes so far.
func (m *ResultMerger) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSize
}

// Squashed reports whether the result limit has been exceeded.
func (m *ResultMerger) Squashed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.squashed
}

// Finalize builds the final `<targetDb>.result_<id>_m` table per spec.md
// §4.8, when the original user query requires aggregation, ordering, or a
// limit, then drops the intermediate merge table.
func (m *ResultMerger) Finalize(ctx context.Context, fixupSelect, orderByLimit string) error {
	final := fmt.Sprintf("%s.result_%s_m", m.targetDB, m.mergeID)
	create := fmt.Sprintf("CREATE TABLE %s SELECT %s FROM %s %s", final, fixupSelect, m.MergeTableName(), orderByLimit)
	if _, err := m.sess.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("merge: finalize: %w", err)
	}
	if _, err := m.sess.ExecContext(ctx, "DROP TABLE "+m.MergeTableName()); err != nil {
		m.logger.Warn("merge: failed to drop intermediate merge table", zap.Error(err))
	}
	return nil
}

// TimestampedMergeID formats a merge table suffix from a query id and the
// current time, matching spec.md §4.8's "result_<timestampedId>" naming.
func TimestampedMergeID(queryID uint64, now time.Time) string {
	return fmt.Sprintf("%d_%d", queryID, now.UnixNano())
}
