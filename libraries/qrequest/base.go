package qrequest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
)

// Performance tracks the timestamps named in spec.md §3.
type Performance struct {
	Enqueue        time.Time
	StartTransmit  time.Time
	FinishTransmit time.Time
	UpdateAt       time.Time
}

// Sender is the narrow interface Base uses to reach the transport layer
// without depending on libraries/messenger directly, so the state machine
// is unit-testable in isolation. SendProbe re-issues a status-probe using
// the same request id (spec.md §4.3's keepTracking retry); CancelSend
// aborts the outstanding send.
type Sender interface {
	SendProbe(ctx context.Context, requestID string)
	CancelSend(requestID string)
}

// Reply is what the transport layer hands back to Base.Deliver: either a
// terminal extended status, or SERVER_QUEUED/SERVER_IN_PROGRESS which, for
// a KeepTracking request, arms the retry timer instead of finishing.
type Reply struct {
	Extended  qerrors.Extended
	ServerMsg string
}

// StartFunc is the subclass hook invoked once a Request transitions to
// IN_PROGRESS (the "subclass startImpl()" call in spec.md §4.3).
type StartFunc func(ctx context.Context) error

// Base is the embeddable common Request lifecycle. Concrete request types
// (replica-side ClusterHealth pings, QservSync probes, SQL broadcasts,
// director-index chunk pulls) embed Base and supply a StartFunc.
type Base struct {
	ID             string
	Type           string
	Worker         string
	Priority       int
	KeepTracking   bool
	AllowDuplicate bool
	ParentJobID    string

	sender    Sender
	persister qmeta.Persister
	onFinish  func(*Base)
	startImpl StartFunc
	logger    *zap.Logger

	backoffCeiling time.Duration

	mu        sync.Mutex
	state     State
	extended  qerrors.Extended
	serverMsg string
	perf      Performance
	cancelled bool
	notified  bool

	expirationTimer *time.Timer
	retryTimer      *time.Timer
	retryBackoff    backoff.BackOff
}

// Config bundles Base's fixed dependencies.
type Config struct {
	Sender         Sender
	Persister      qmeta.Persister
	OnFinish       func(*Base)
	Start          StartFunc
	BackoffCeiling time.Duration // zero means 30s, the spec's "configured ceiling"
	Logger         *zap.Logger
}

// NewBase constructs a Request in state CREATED.
func NewBase(id, typ, worker string, priority int, keepTracking, allowDuplicate bool, cfg Config) *Base {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BackoffCeiling == 0 {
		cfg.BackoffCeiling = 30 * time.Second
	}
	return &Base{
		ID:             id,
		Type:           typ,
		Worker:         worker,
		Priority:       priority,
		KeepTracking:   keepTracking,
		AllowDuplicate: allowDuplicate,
		sender:         cfg.Sender,
		persister:      cfg.Persister,
		onFinish:       cfg.OnFinish,
		startImpl:      cfg.Start,
		logger:         cfg.Logger,
		backoffCeiling: cfg.BackoffCeiling,
		state:          CREATED,
		extended:       qerrors.NONE,
	}
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Extended() qerrors.Extended {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extended
}

func (b *Base) Performance() Performance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perf
}

// Start transitions CREATED -> IN_PROGRESS, records start performance,
// arms the expiration timer if nonzero, and invokes the subclass start
// hook. Calling Start on a non-CREATED request is an error.
func (b *Base) Start(ctx context.Context, parentJobID string, expiration time.Duration) error {
	b.mu.Lock()
	if b.state != CREATED {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("qrequest: Start called on request %s in state %s", b.ID, st)
	}
	b.state = IN_PROGRESS
	b.ParentJobID = parentJobID
	b.perf.StartTransmit = time.Now()
	b.perf.UpdateAt = b.perf.StartTransmit
	if expiration > 0 {
		b.expirationTimer = time.AfterFunc(expiration, b.onExpire)
	}
	b.mu.Unlock()

	b.persist(ctx, "IN_PROGRESS", qerrors.NONE)

	if b.startImpl != nil {
		if err := b.startImpl(ctx); err != nil {
			b.finish(ctx, qerrors.CLIENT_ERROR, err.Error())
			return nil
		}
	}
	return nil
}

// Cancel finishes the request with extended state CANCELLED, aborting
// timers and suppressing subsequent callbacks.
func (b *Base) Cancel() {
	b.mu.Lock()
	if b.state == FINISHED {
		b.mu.Unlock()
		return
	}
	b.cancelled = true
	b.mu.Unlock()

	if b.sender != nil {
		b.sender.CancelSend(b.ID)
	}
	b.finish(context.Background(), qerrors.CANCELLED, "")
}

// Cancelled reports whether Cancel has been called, for cooperative
// cancellation checks at natural yield points (spec.md §5).
func (b *Base) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *Base) onExpire() {
	b.finish(context.Background(), qerrors.EXPIRED, "")
}

// Deliver feeds a server reply into the state machine. On a KeepTracking
// request a retryable reply (SERVER_QUEUED / SERVER_IN_PROGRESS) arms the
// adaptive backoff timer and re-sends a status probe; anything else,
// including a retryable reply without KeepTracking, finishes the request.
func (b *Base) Deliver(ctx context.Context, reply Reply) {
	b.mu.Lock()
	if b.state == FINISHED {
		b.mu.Unlock()
		return
	}
	b.perf.UpdateAt = time.Now()
	if reply.Extended.Retryable() && b.KeepTracking {
		if b.retryBackoff == nil {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 10 * time.Millisecond
			eb.Multiplier = 2
			eb.MaxInterval = b.backoffCeiling
			eb.MaxElapsedTime = 0
			b.retryBackoff = eb
		}
		wait := b.retryBackoff.NextBackOff()
		b.retryTimer = time.AfterFunc(wait, func() { b.retry(ctx) })
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.finish(ctx, reply.Extended, reply.ServerMsg)
}

func (b *Base) retry(ctx context.Context) {
	b.mu.Lock()
	if b.state == FINISHED {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	if b.sender != nil {
		b.sender.SendProbe(ctx, b.ID)
	}
}

// finish transitions to FINISHED exactly once, persists the transition,
// cancels outstanding timers, then invokes onFinish after releasing the
// mutex (spec.md §4.3 invariant: "the user callback is invoked after
// releasing that mutex to avoid reentrant deadlocks").
func (b *Base) finish(ctx context.Context, ext qerrors.Extended, serverMsg string) {
	b.mu.Lock()
	if b.state == FINISHED {
		b.mu.Unlock()
		return
	}
	b.state = FINISHED
	if ext == qerrors.NONE {
		ext = qerrors.SERVER_ERROR
	}
	b.extended = ext
	b.serverMsg = serverMsg
	b.perf.FinishTransmit = time.Now()
	b.perf.UpdateAt = b.perf.FinishTransmit
	if b.expirationTimer != nil {
		b.expirationTimer.Stop()
	}
	if b.retryTimer != nil {
		b.retryTimer.Stop()
	}
	alreadyNotified := b.notified
	b.notified = true
	b.mu.Unlock()

	b.persist(ctx, "FINISHED", ext)

	if !alreadyNotified && b.onFinish != nil {
		b.onFinish(b)
	}
}

func (b *Base) persist(ctx context.Context, state string, ext qerrors.Extended) {
	if b.persister == nil {
		return
	}
	err := b.persister.Persist(ctx, qmeta.Transition{
		EntityID:  b.ID,
		State:     state,
		Extended:  ext.String(),
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		b.logger.Error("qrequest: failed to persist state transition",
			zap.String("request_id", b.ID), zap.Error(err))
	}
}
