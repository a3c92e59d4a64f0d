// Package stats implements QueryStatistics: per-query and per-(database,
// table) rolling counters that the scheduler updates as Tasks are queued,
// started and finished, and whose per-query boot count its booting
// inspector reads (spec.md §2, §4.5). The scheduler does not read the
// table counters.
package stats

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TableStats is one row per (database, table) tracked by QueryStatistics,
// per SPEC_FULL.md §3.
type TableStats struct {
	Database      string
	Table         string
	Scheduled     int64
	Running       int64
	Finished      int64
	SlowestMillis int64
	LastChunk     uint32
}

// QueryStats tracks one user query's progress and boot count, the sibling
// record named alongside TableStats in SPEC_FULL.md §4.5.
type QueryStats struct {
	QueryID   uint64
	Begin     time.Time
	Scheduled int
	Running   int
	Finished  int
	Boots     int
}

// QueryStatistics is the registry of both record kinds, bounded by an LRU
// cache of recently-seen queries so a czar that runs for weeks doesn't
// accumulate an unbounded map of finished queries.
type QueryStatistics struct {
	mu     sync.Mutex
	tables map[tableKey]*TableStats
	byID   *lru.Cache[uint64, *QueryStats]
}

type tableKey struct {
	database, table string
}

// New builds a QueryStatistics registry retaining at most maxQueries
// distinct QueryStats entries.
func New(maxQueries int) *QueryStatistics {
	cache, err := lru.New[uint64, *QueryStats](maxQueries)
	if err != nil {
		// Only returned for maxQueries <= 0; callers pass a static config
		// value so this indicates a programming error, not a runtime one.
		panic(err)
	}
	return &QueryStatistics{
		tables: make(map[tableKey]*TableStats),
		byID:   cache,
	}
}

func (s *QueryStatistics) tableFor(database, table string) *TableStats {
	key := tableKey{database, table}
	t, ok := s.tables[key]
	if !ok {
		t = &TableStats{Database: database, Table: table}
		s.tables[key] = t
	}
	return t
}

// queryFor returns queryID's QueryStats, creating it if this is the first
// event seen for that query (mirrors Boot's lazy-create behavior).
func (s *QueryStatistics) queryFor(queryID uint64) *QueryStats {
	q, ok := s.byID.Get(queryID)
	if !ok {
		q = &QueryStats{QueryID: queryID, Begin: time.Now()}
		s.byID.Add(queryID, q)
	}
	return q
}

// TaskScheduled records that a Task touching (database, table) was placed
// on a scheduler queue, for both that table's and that query's counters.
func (s *QueryStatistics) TaskScheduled(database, table string, chunkID uint32, queryID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableFor(database, table)
	t.Scheduled++
	t.LastChunk = chunkID
	s.queryFor(queryID).Scheduled++
}

// TaskStarted increments the running count, for both that table's and
// that query's counters. Scheduled is a cumulative count and is not
// decremented.
func (s *QueryStatistics) TaskStarted(database, table string, queryID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableFor(database, table)
	t.Running++
	s.queryFor(queryID).Running++
}

// TaskFinished moves one count from running to finished, for both that
// table's and that query's counters, and records the elapsed runtime if it
// is the slowest seen for that table.
func (s *QueryStatistics) TaskFinished(database, table string, elapsed time.Duration, queryID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableFor(database, table)
	t.Running--
	t.Finished++
	ms := elapsed.Milliseconds()
	if ms > t.SlowestMillis {
		t.SlowestMillis = ms
	}
	q := s.queryFor(queryID)
	q.Running--
	q.Finished++
}

// Table returns a copy of the TableStats for (database, table), or the
// zero value if no Task has touched it yet.
func (s *QueryStatistics) Table(database, table string) TableStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableKey{database, table}]
	if !ok {
		return TableStats{Database: database, Table: table}
	}
	return *t
}

// QueryBegin registers a new user query, or returns the existing record if
// one is already tracked.
func (s *QueryStatistics) QueryBegin(queryID uint64) *QueryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.byID.Get(queryID); ok {
		return q
	}
	q := &QueryStats{QueryID: queryID, Begin: time.Now()}
	s.byID.Add(queryID, q)
	return q
}

// Boot increments the boot counter for queryID and returns the new count,
// used by the scheduler's booting inspector to enforce maxBootsPerQuery.
func (s *QueryStatistics) Boot(queryID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queryFor(queryID)
	q.Boots++
	return q.Boots
}

// Boots reports the current boot count for queryID without incrementing it.
func (s *QueryStatistics) Boots(queryID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.byID.Get(queryID)
	if !ok {
		return 0
	}
	return q.Boots
}
