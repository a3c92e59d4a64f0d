package qmeta

import (
	"context"
	"sync"
)

// Transition is one persisted state change of a Request or Job, recorded
// before the owning state machine's user callback fires (spec.md §3
// invariant (b), §4.3 "Persistence of state transitions happens before
// the user callback").
type Transition struct {
	EntityID  string
	State     string
	Extended  string
	Timestamp int64
}

// Persister is the narrow interface qrequest.Base uses to record its state
// transitions (qjob.Base does not persist its own). InMemoryPersister is
// the only implementation here; it is used by tests and by the cmd/czar
// and cmd/replica daemons.
type Persister interface {
	Persist(ctx context.Context, t Transition) error
}

// InMemoryPersister records every transition it is given, in order.
type InMemoryPersister struct {
	mu          sync.Mutex
	transitions []Transition
}

func NewInMemoryPersister() *InMemoryPersister {
	return &InMemoryPersister{}
}

func (p *InMemoryPersister) Persist(ctx context.Context, t Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *InMemoryPersister) Transitions() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transition, len(p.transitions))
	copy(out, p.transitions)
	return out
}

// FailingPersister always returns err, used to test spec.md §4.3's "if
// persistence fails, the transition is still applied but an error is
// logged" rule.
type FailingPersister struct {
	Err error
}

func (p *FailingPersister) Persist(ctx context.Context, t Transition) error {
	return p.Err
}
