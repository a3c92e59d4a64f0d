// Package dirindex implements DirectorIndexBuilder (spec.md §4.9): the
// per-user-query subsystem that builds a global objectId -> (chunkId,
// transactionId) mapping across all replicas of a director table.
package dirindex

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qjob"
	"github.com/lsst/qserv-sub025/libraries/qrequest"
)

// Record is the per-(worker,chunk) outcome tracked by the builder, per
// SPEC_FULL.md §3's DirectorIndexRecord.
type Record struct {
	Worker        string
	ChunkID       uint32
	TransactionID uint64
	RowsLoaded    int64
	Err           error
}

// Tx is one control-database transaction loading a batch file into the
// director-index table.
type Tx interface {
	LoadInfile(ctx context.Context, path string) (rowsLoaded int64, err error)
	Commit() error
	Rollback() error
}

// Loader opens transactions against the control database, and names the
// batch file for one (worker, chunk) pair.
type Loader interface {
	Begin(ctx context.Context) (Tx, error)
	BatchFilePath(worker string, chunkID uint32) string
}

// Builder is a JobOrchestrator flavor (it embeds qjob.Base) specialized to
// per-chunk director-index fan-out, with a per-worker in-flight cap K
// (spec.md §4.4 back-pressure, §4.9).
type Builder struct {
	*qjob.Base

	loader   Loader
	throttle *qjob.WorkerThrottle
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string][]uint32 // worker -> FIFO of chunk ids still to load

	recMu   sync.Mutex
	records []Record
}

// New builds a Builder that will load chunks[worker] into the director
// index for worker, at most k in-flight loads per worker at a time.
func New(id string, chunks map[string][]uint32, k int, loader Loader, onFinish func(*qjob.Base), logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	pending := make(map[string][]uint32, len(chunks))
	total := 0
	for w, ids := range chunks {
		cp := append([]uint32(nil), ids...)
		pending[w] = cp
		total += len(cp)
	}
	b := &Builder{
		Base:     qjob.NewBase(id, "DirectorIndex", 0, onFinish, logger),
		loader:   loader,
		throttle: qjob.NewWorkerThrottle(k),
		logger:   logger,
		pending:  pending,
	}
	b.BeginFanOut(total)
	return b
}

// Start launches one pump goroutine per worker; each pump dequeues the next
// chunk and then blocks on its worker's throttle before launching that
// chunk's load, which is what bounds in-flight loads to K (spec.md §8
// scenario S5).
func (b *Builder) Start(ctx context.Context) {
	b.mu.Lock()
	workers := make([]string, 0, len(b.pending))
	for w := range b.pending {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		go b.pump(ctx, w)
	}
}

func (b *Builder) popPending(worker string) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.pending[worker]
	if len(ids) == 0 {
		return 0, false
	}
	id := ids[0]
	b.pending[worker] = ids[1:]
	return id, true
}

func (b *Builder) pump(ctx context.Context, worker string) {
	for {
		chunkID, ok := b.popPending(worker)
		if !ok {
			return
		}
		if err := b.throttle.Acquire(ctx, worker); err != nil {
			b.failChunk(ctx, worker, chunkID, err)
			continue
		}
		go func(c uint32) {
			defer b.throttle.Release(worker)
			b.loadChunk(ctx, worker, c)
		}(chunkID)
	}
}

// loadChunk runs one per-chunk load as a qrequest.Base so it participates
// in the shared Job fan-in and double-check cancellation machinery used by
// every other Job flavor.
func (b *Builder) loadChunk(ctx context.Context, worker string, chunkID uint32) {
	cb := b.TrackChild(worker)
	req := qrequest.NewBase(fmt.Sprintf("%s/dirindex/%d", worker, chunkID), "DirectorIndex", worker, 0, false, false,
		qrequest.Config{OnFinish: cb, Logger: b.logger})
	b.RegisterChild(req)
	_ = req.Start(ctx, b.ID, 0)

	rowsLoaded, err := b.runTransaction(ctx, worker, chunkID)
	b.recordResult(worker, chunkID, rowsLoaded, err)

	ext := qerrors.SUCCESS
	if err != nil {
		ext = qerrors.SERVER_ERROR
	}
	req.Deliver(ctx, qrequest.Reply{Extended: ext})
}

// runTransaction opens a transaction, loads the chunk's batch file, and
// commits, rolling back on any failure including a deferred rollback for
// crash safety (spec.md §4.9's "including in the destructor" note,
// translated to Go's deferred-cleanup idiom).
func (b *Builder) runTransaction(ctx context.Context, worker string, chunkID uint32) (int64, error) {
	tx, err := b.loader.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("dirindex: begin transaction for %s/%d: %w", worker, chunkID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	path := b.loader.BatchFilePath(worker, chunkID)
	rows, err := tx.LoadInfile(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("dirindex: load infile for %s/%d: %w", worker, chunkID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("dirindex: commit for %s/%d: %w", worker, chunkID, err)
	}
	committed = true
	return rows, nil
}

func (b *Builder) recordResult(worker string, chunkID uint32, rowsLoaded int64, err error) {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	b.records = append(b.records, Record{Worker: worker, ChunkID: chunkID, RowsLoaded: rowsLoaded, Err: err})
}

func (b *Builder) failChunk(ctx context.Context, worker string, chunkID uint32, err error) {
	cb := b.TrackChild(worker)
	req := qrequest.NewBase(fmt.Sprintf("%s/dirindex/%d", worker, chunkID), "DirectorIndex", worker, 0, false, false,
		qrequest.Config{OnFinish: cb, Logger: b.logger})
	b.RegisterChild(req)
	_ = req.Start(ctx, b.ID, 0)
	b.recordResult(worker, chunkID, 0, err)
	req.Deliver(ctx, qrequest.Reply{Extended: qerrors.CLIENT_ERROR})
}

// Records returns a copy of every per-chunk outcome recorded so far.
func (b *Builder) Records() []Record {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}
