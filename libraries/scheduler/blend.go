package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/stats"
	"github.com/lsst/qserv-sub025/libraries/task"
)

// RatingQueues configures one ScanScheduler's admission budget per rating.
type RatingQueues struct {
	Rating     task.Rating
	MinRunning int
	MaxRunning int
}

// Config bundles BlendScheduler's construction-time parameters, the
// "configurable" values spec.md §9 treats as starting points, not
// contracts.
type Config struct {
	InteractiveMin, InteractiveMax int
	SnailMin, SnailMax             int
	Ratings                        []RatingQueues
	RuntimeLimit                   func(task.Rating) time.Duration
	MaxBootsPerQuery               int
	BootInterval                   time.Duration
	SizeBound                      func(*task.Task) bool
	Stats                          *stats.QueryStatistics
	Logger                         *zap.Logger
}

// subEntry pairs a named Scheduler with the priority order BlendScheduler
// dispatches it in (highest priority first: interactive, then one scan
// scheduler per cfg.Ratings entry in the order given, then snail).
type subEntry struct {
	name string
	sub  Scheduler
}

// BlendScheduler composes the interactive queue, one ScanScheduler per
// rating, and the snail queue behind one shared mutex, per spec.md §4.5.
type BlendScheduler struct {
	cfg Config

	mu          sync.Mutex
	interactive *PriQueueScheduler
	scans       map[task.Rating]*ScanScheduler
	snail       *PriQueueScheduler
	order       []subEntry
	owner       map[*task.Task]string // which sub currently runs this task

	stopBoot chan struct{}
	bootOnce sync.Once
}

// NewBlendScheduler builds a BlendScheduler from cfg. The booting inspector
// is not started until Start is called.
func NewBlendScheduler(cfg Config) *BlendScheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RuntimeLimit == nil {
		cfg.RuntimeLimit = func(task.Rating) time.Duration { return time.Hour }
	}
	if cfg.SizeBound == nil {
		cfg.SizeBound = func(*task.Task) bool { return false }
	}

	b := &BlendScheduler{
		cfg:         cfg,
		interactive: NewPriQueueScheduler(0, cfg.InteractiveMin, cfg.InteractiveMax),
		scans:       make(map[task.Rating]*ScanScheduler),
		snail:       NewPriQueueScheduler(1<<30, cfg.SnailMin, cfg.SnailMax),
		owner:       make(map[*task.Task]string),
	}
	b.order = append(b.order, subEntry{"interactive", b.interactive})
	for _, r := range cfg.Ratings {
		ss := NewScanScheduler(r.Rating, r.MinRunning, r.MaxRunning)
		b.scans[r.Rating] = ss
		b.order = append(b.order, subEntry{"scan:" + r.Rating.String(), ss})
	}
	b.order = append(b.order, subEntry{"snail", b.snail})
	return b
}

// Queue admits a new Task: interactive Tasks go to the interactive queue,
// oversized Tasks go straight to snail, and everything else is routed to
// the ScanScheduler matching its slowest table's rating (spec.md §4.5).
func (b *BlendScheduler) Queue(t *task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sub Scheduler
	switch {
	case t.Interactive:
		sub = b.interactive
	case b.cfg.SizeBound(t):
		sub = b.snail
	default:
		rating := t.ScanInfo.ScanRating
		ss, ok := b.scans[rating]
		if !ok {
			sub = b.snail
		} else {
			sub = ss
		}
	}
	if b.cfg.Stats != nil {
		if slowest, ok := t.ScanInfo.SlowestTable(); ok {
			b.cfg.Stats.TaskScheduled(slowest.Database, slowest.Table, t.ChunkID, t.QueryID)
		}
	}
	return sub.Queue(t)
}

// Ready runs the two-pass dispatch from spec.md §4.5: first satisfy every
// sub-scheduler's minRunning in priority order, then fill remaining
// capacity up to maxRunning.
func (b *BlendScheduler) Ready() *task.Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.order {
		if e.sub.Running() < e.sub.MinRunning() && e.sub.Len() > 0 {
			if t := e.sub.Ready(); t != nil {
				b.owner[t] = e.name
				b.noteStarted(t)
				return t
			}
		}
	}
	for _, e := range b.order {
		if e.sub.Running() < e.sub.MaxRunning() && e.sub.Len() > 0 {
			if t := e.sub.Ready(); t != nil {
				b.owner[t] = e.name
				b.noteStarted(t)
				return t
			}
		}
	}
	return nil
}

// noteStarted records t's dispatch in cfg.Stats, if configured. Caller
// must hold b.mu.
func (b *BlendScheduler) noteStarted(t *task.Task) {
	if b.cfg.Stats == nil {
		return
	}
	if slowest, ok := t.ScanInfo.SlowestTable(); ok {
		b.cfg.Stats.TaskStarted(slowest.Database, slowest.Table, t.QueryID)
	}
}

// TaskFinished releases t's slot on whichever sub-scheduler ran it.
func (b *BlendScheduler) TaskFinished(t *task.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.owner[t]
	if !ok {
		return
	}
	delete(b.owner, t)
	elapsed := t.Runtime()
	t.MarkFinished()
	if b.cfg.Stats != nil {
		if slowest, ok := t.ScanInfo.SlowestTable(); ok {
			b.cfg.Stats.TaskFinished(slowest.Database, slowest.Table, elapsed, t.QueryID)
		}
	}
	for _, e := range b.order {
		if e.name == name {
			e.sub.TaskFinished(t)
			return
		}
	}
}

// TaskCancelled sets t's cancellation flag. A running Task keeps running
// with the flag set. A Task that is still queued is not removed from its
// queue: it stays there with the flag set and can still be handed out by
// Ready.
func (b *BlendScheduler) TaskCancelled(t *task.Task) {
	t.Cancel()
	if t.State() == task.RUNNING {
		return
	}
	b.TaskFinished(t)
}

// RunningTotal reports the sum of running across all sub-queues, used by
// invariant (ii) in spec.md §4.5.
func (b *BlendScheduler) RunningTotal() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, e := range b.order {
		total += e.sub.Running()
	}
	return total
}

// Start launches the booting inspector goroutine on cfg.BootInterval. It is
// idempotent; a zero BootInterval disables booting entirely.
func (b *BlendScheduler) Start() {
	if b.cfg.BootInterval <= 0 {
		return
	}
	b.bootOnce.Do(func() {
		b.stopBoot = make(chan struct{})
		go b.bootLoop()
	})
}

// Stop halts the booting inspector goroutine, if running.
func (b *BlendScheduler) Stop() {
	if b.stopBoot != nil {
		close(b.stopBoot)
	}
}

func (b *BlendScheduler) bootLoop() {
	ticker := time.NewTicker(b.cfg.BootInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopBoot:
			return
		case <-ticker.C:
			b.inspectForBoots()
		}
	}
}

// inspectForBoots demotes Tasks that have exceeded their rating's
// runtimeLimit to snail, per spec.md §4.5. A Task keeps running on its
// current thread; only its scheduler bookkeeping moves.
func (b *BlendScheduler) inspectForBoots() {
	b.mu.Lock()
	candidates := make([]*task.Task, 0)
	for t := range b.owner {
		slowest, ok := t.ScanInfo.SlowestTable()
		if !ok {
			continue
		}
		if t.Runtime() > b.cfg.RuntimeLimit(slowest.Rating) {
			candidates = append(candidates, t)
		}
	}
	b.mu.Unlock()

	for _, t := range candidates {
		boots := 0
		if b.cfg.Stats != nil {
			boots = b.cfg.Stats.Boot(t.QueryID)
		}
		b.mu.Lock()
		name, ok := b.owner[t]
		if ok && name != "snail" {
			b.owner[t] = "snail"
			for _, e := range b.order {
				if e.name == name {
					e.sub.TaskFinished(t) // frees the old sub-scheduler's budget
				}
			}
			b.snail.running++
		}
		b.mu.Unlock()
		if boots > b.cfg.MaxBootsPerQuery {
			b.cfg.Logger.Warn("scheduler: query exceeded max boots, demoting remaining tasks to snail",
				zap.Uint64("query_id", t.QueryID))
			b.demoteQueryToSnail(t.QueryID)
		}
	}
}

// demoteQueryToSnail moves every other remaining Task of queryID — queued
// in any sub-scheduler, or already running — onto the snail queue's
// bookkeeping. Running Tasks keep running on their current thread; only
// the scheduler's bookkeeping moves, same as a single-Task boot.
func (b *BlendScheduler) demoteQueryToSnail(queryID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, name := range b.owner {
		if name == "snail" || t.QueryID != queryID {
			continue
		}
		b.owner[t] = "snail"
		for _, e := range b.order {
			if e.name == name {
				e.sub.TaskFinished(t)
			}
		}
		b.snail.running++
	}

	for _, e := range b.order {
		if e.name == "snail" {
			continue
		}
		for _, t := range e.sub.RemoveQuery(queryID) {
			b.snail.fifo = append(b.snail.fifo, t)
		}
	}
}
