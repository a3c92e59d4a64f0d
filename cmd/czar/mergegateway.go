package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/admission"
	"github.com/lsst/qserv-sub025/libraries/merge"
)

// DumpEvent is one per-chunk dump table ready for import into its query's
// merge table, the unit of work the worker's Task/SendChannel machinery
// eventually hands off to the czar (spec.md §4.7 -> §4.8).
type DumpEvent struct {
	MergeID       string
	TargetDB      string
	DumpTable     string
	DumpSizeBytes int64
	ResultLimit   int64
}

// largeResultThreshold is the dump size above which a merge is treated as
// a large-result stream subject to admission.LargeResultMgr, rather than
// merged immediately.
const largeResultThreshold = 64 << 20 // 64 MiB

// mergeGateway owns one merge.ResultMerger per in-flight query and applies
// admission.LargeResultMgr back-pressure to oversized dumps, so the czar
// process wires both components the way spec.md §4.8/§4.10 describe them
// working together rather than in isolation.
type mergeGateway struct {
	sess      merge.Execer
	admission *admission.LargeResultMgr
	transport *admission.QueueTransport
	logger    *zap.Logger

	mu      sync.Mutex
	mergers map[string]*merge.ResultMerger
	events  chan DumpEvent
}

func newMergeGateway(sess merge.Execer, admissionMgr *admission.LargeResultMgr, transport *admission.QueueTransport, logger *zap.Logger) *mergeGateway {
	return &mergeGateway{
		sess:      sess,
		admission: admissionMgr,
		transport: transport,
		logger:    logger,
		mergers:   make(map[string]*merge.ResultMerger),
		events:    make(chan DumpEvent, 256),
	}
}

// Submit enqueues a dump ready for merging. Safe to call concurrently.
func (g *mergeGateway) Submit(ev DumpEvent) {
	g.events <- ev
}

func (g *mergeGateway) mergerFor(ev DumpEvent) *merge.ResultMerger {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mergers[ev.MergeID]
	if !ok {
		m = merge.New(g.sess, ev.TargetDB, ev.MergeID, ev.ResultLimit, noopAsyncQueryManager{}, g.logger)
		g.mergers[ev.MergeID] = m
	}
	return m
}

func (g *mergeGateway) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.events:
			g.handle(ctx, ev)
		}
	}
}

func (g *mergeGateway) handle(ctx context.Context, ev DumpEvent) {
	m := g.mergerFor(ev)
	if ev.DumpSizeBytes < largeResultThreshold {
		g.doMerge(ctx, m, ev)
		return
	}

	g.transport.Enqueue(ev.MergeID + "/" + ev.DumpTable)
	g.admission.StartBlock()
	g.doMerge(ctx, m, ev)
	g.admission.FinishBlock()
}

func (g *mergeGateway) doMerge(ctx context.Context, m *merge.ResultMerger, ev DumpEvent) {
	if err := m.Merge(ctx, ev.DumpTable, ev.DumpSizeBytes); err != nil {
		g.logger.Warn("merge failed", zap.String("mergeId", ev.MergeID), zap.String("dump", ev.DumpTable), zap.Error(err))
	}
}

type noopAsyncQueryManager struct{}

func (noopAsyncQueryManager) SquashRemaining() {}
func (noopAsyncQueryManager) MarkFaulty()      {}
