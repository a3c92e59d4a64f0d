package scheduler

import (
	"github.com/google/btree"

	"github.com/lsst/qserv-sub025/libraries/task"
)

type chunkItem uint32

func (a chunkItem) Less(than btree.Item) bool { return a < than.(chunkItem) }

// scanBucket groups Tasks sharing a (database, table) scan and plays them
// back in ascending chunk-id order, wrapping at the top, per spec.md §4.5's
// "advances a cursor over that bucket's chunk ids in ascending order".
type scanBucket struct {
	tree         *btree.BTree
	tasksByChunk map[uint32][]*task.Task
	cursor       uint32
	hasCursor    bool
}

func newScanBucket() *scanBucket {
	return &scanBucket{tree: btree.New(8), tasksByChunk: make(map[uint32][]*task.Task)}
}

func (b *scanBucket) add(t *task.Task) {
	id := t.ChunkID
	if _, ok := b.tasksByChunk[id]; !ok {
		b.tree.ReplaceOrInsert(chunkItem(id))
	}
	b.tasksByChunk[id] = append(b.tasksByChunk[id], t)
	if !b.hasCursor {
		b.cursor = id
		b.hasCursor = true
	}
}

func (b *scanBucket) empty() bool { return b.tree.Len() == 0 }

// advance moves the cursor to the smallest chunk id >= cursor+1 still
// present, wrapping to the bucket's minimum when none remains above it.
func (b *scanBucket) advance() {
	if b.tree.Len() == 0 {
		b.hasCursor = false
		return
	}
	var next btree.Item
	b.tree.AscendGreaterOrEqual(chunkItem(b.cursor+1), func(i btree.Item) bool {
		next = i
		return false
	})
	if next == nil {
		next = b.tree.Min()
	}
	b.cursor = uint32(next.(chunkItem))
	b.hasCursor = true
}

func (b *scanBucket) pop() *task.Task {
	if b.tree.Len() == 0 {
		return nil
	}
	if !b.hasCursor {
		b.advance()
	}
	list := b.tasksByChunk[b.cursor]
	if len(list) == 0 {
		return nil
	}
	t := list[0]
	rest := list[1:]
	if len(rest) == 0 {
		delete(b.tasksByChunk, b.cursor)
		b.tree.Delete(chunkItem(b.cursor))
		b.advance()
	} else {
		b.tasksByChunk[b.cursor] = rest
	}
	return t
}

// ScanScheduler is one rating's shared-scan sub-scheduler: Tasks are
// bucketed by their slowest scanned table, and buckets are served
// round-robin so multiple large tables each get a fair share of the
// rating's budget.
type ScanScheduler struct {
	Rating     task.Rating
	minRunning int
	maxRunning int
	running    int

	order   []bucketKey
	buckets map[bucketKey]*scanBucket
	next    int
	size    int
}

type bucketKey struct {
	database, table string
}

// NewScanScheduler builds a shared-scan sub-scheduler for one scan rating.
func NewScanScheduler(rating task.Rating, minRunning, maxRunning int) *ScanScheduler {
	return &ScanScheduler{
		Rating:     rating,
		minRunning: minRunning,
		maxRunning: maxRunning,
		buckets:    make(map[bucketKey]*scanBucket),
	}
}

func (s *ScanScheduler) Queue(t *task.Task) error {
	slowest, ok := t.ScanInfo.SlowestTable()
	key := bucketKey{}
	if ok {
		key = bucketKey{slowest.Database, slowest.Table}
	}
	b, exists := s.buckets[key]
	if !exists {
		b = newScanBucket()
		s.buckets[key] = b
		s.order = append(s.order, key)
	}
	t.MarkQueued()
	b.add(t)
	s.size++
	return nil
}

func (s *ScanScheduler) Ready() *task.Task {
	if s.size == 0 {
		return nil
	}
	for i := 0; i < len(s.order); i++ {
		idx := (s.next + i) % len(s.order)
		key := s.order[idx]
		b := s.buckets[key]
		if b.empty() {
			continue
		}
		t := b.pop()
		if t == nil {
			continue
		}
		s.next = (idx + 1) % len(s.order)
		s.size--
		s.running++
		t.MarkRunning()
		return t
	}
	return nil
}

func (s *ScanScheduler) RemoveQuery(queryID uint64) []*task.Task {
	var removed []*task.Task
	for _, b := range s.buckets {
		for chunkID, list := range b.tasksByChunk {
			var keep []*task.Task
			for _, t := range list {
				if t.QueryID == queryID {
					removed = append(removed, t)
				} else {
					keep = append(keep, t)
				}
			}
			if len(keep) == 0 {
				delete(b.tasksByChunk, chunkID)
				b.tree.Delete(chunkItem(chunkID))
			} else {
				b.tasksByChunk[chunkID] = keep
			}
		}
		if b.tree.Len() == 0 {
			b.hasCursor = false
		} else if b.hasCursor && !b.tree.Has(chunkItem(b.cursor)) {
			b.advance()
		}
	}
	s.size -= len(removed)
	return removed
}

func (s *ScanScheduler) TaskFinished(t *task.Task) {
	if s.running > 0 {
		s.running--
	}
}

func (s *ScanScheduler) MinRunning() int { return s.minRunning }
func (s *ScanScheduler) MaxRunning() int { return s.maxRunning }
func (s *ScanScheduler) Running() int    { return s.running }
func (s *ScanScheduler) Len() int        { return s.size }
