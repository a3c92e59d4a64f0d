// Package svcs coordinates the init/run/stop lifecycle of the long-lived
// goroutines that make up a qserv process: executor pool workers, the
// messenger's per-worker I/O loops, a scheduler's booting ticker, the
// chunk-resource manager's mlock loop, and so on.
package svcs

import (
	"context"
	"errors"
	"sync"
)

// Service is one independently startable/stoppable unit.
type Service interface {
	Init(ctx context.Context) error
	Run(ctx context.Context)
	Stop() error
}

// AnonService adapts three functions into a Service, for callers that
// would rather not declare a named type for a one-off service.
type AnonService struct {
	InitF func(context.Context) error
	RunF  func(context.Context)
	StopF func() error
}

func (s *AnonService) Init(ctx context.Context) error {
	if s.InitF == nil {
		return nil
	}
	return s.InitF(ctx)
}

func (s *AnonService) Run(ctx context.Context) {
	if s.RunF != nil {
		s.RunF(ctx)
	}
}

func (s *AnonService) Stop() error {
	if s.StopF == nil {
		return nil
	}
	return s.StopF()
}

var (
	errAlreadyStarted     = errors.New("svcs: controller already started")
	errStoppedBeforeStart = errors.New("svcs: controller stopped before it was started")
)

// Controller runs a fixed set of Services: every Service is Init'd in
// registration order before any is Run, all Services Run concurrently, and
// on Stop every Service is stopped in reverse registration order.
type Controller struct {
	mu       sync.Mutex
	services []Service
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}

	startCh  chan struct{}
	startErr error

	doneCh  chan struct{}
	doneErr error
}

// NewController builds an empty, unstarted Controller.
func NewController() *Controller {
	return &Controller{
		stopCh:  make(chan struct{}),
		startCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Register adds svc to the set of services this Controller manages. It
// returns an error once Start has been called.
func (c *Controller) Register(svc Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errAlreadyStarted
	}
	c.services = append(c.services, svc)
	return nil
}

// Stop requests that the Controller shut down. Safe to call before Start,
// and safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Start initializes every registered Service in order, runs them all
// concurrently, then blocks until Stop is called. It stops every Service
// in reverse order and returns the first error encountered during Init, or
// otherwise during Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.started = true
	services := append([]Service(nil), c.services...)
	c.mu.Unlock()

	select {
	case <-c.stopCh:
		close(c.startCh)
		close(c.doneCh)
		return errStoppedBeforeStart
	default:
	}

	var initialized []Service
	var initErr error
	for _, svc := range services {
		if err := svc.Init(ctx); err != nil {
			initErr = err
			break
		}
		initialized = append(initialized, svc)
	}

	if initErr != nil {
		stopReversed(initialized)
		c.startErr = initErr
		c.doneErr = initErr
		close(c.startCh)
		close(c.doneCh)
		return initErr
	}

	var wg sync.WaitGroup
	for _, svc := range initialized {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			s.Run(ctx)
		}(svc)
	}

	close(c.startCh)

	<-c.stopCh
	stopErr := stopReversed(initialized)
	wg.Wait()

	c.doneErr = stopErr
	close(c.doneCh)
	return stopErr
}

// WaitForStart blocks until Start has finished initializing services (or
// failed to), returning whatever error Init produced, if any.
func (c *Controller) WaitForStart() error {
	<-c.startCh
	return c.startErr
}

// WaitForStop blocks until every Service has been stopped, returning the
// error Start returned from Init or Stop. It returns nil when Stop was
// called before Start.
func (c *Controller) WaitForStop() error {
	<-c.doneCh
	return c.doneErr
}

func stopReversed(services []Service) error {
	var first error
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
