package qexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsDefaultQueue(t *testing.T) {
	pe := NewPriorityExecutor(2, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 2, Default: true}}, nil)
	defer pe.Shutdown()

	var n int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		pe.SubmitDefault(func(ctx context.Context) {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.EqualValues(t, 5, n)
}

func TestUnknownPriorityFallsBackToDefault(t *testing.T) {
	pe := NewPriorityExecutor(1, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 1, Default: true}}, nil)
	defer pe.Shutdown()

	done := make(chan struct{})
	pe.Submit(func(ctx context.Context) { close(done) }, 99)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command submitted at unknown priority never ran")
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	pe := NewPriorityExecutor(1, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 1, Default: true}}, nil)
	defer pe.Shutdown()

	pe.SubmitDefault(func(ctx context.Context) { panic("boom") })

	done := make(chan struct{})
	pe.SubmitDefault(func(ctx context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a panicking command")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	pe := NewPriorityExecutor(2, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 2, Default: true}}, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pe.Shutdown() }()
	go func() { defer wg.Done(); pe.Shutdown() }()
	wg.Wait()
	assert.True(t, pe.Quiesced())
}

func TestSubmitAfterShutdownIsDropped(t *testing.T) {
	pe := NewPriorityExecutor(1, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 1, Default: true}}, nil)
	pe.Shutdown()

	var ran int32
	pe.SubmitDefault(func(ctx context.Context) { atomic.AddInt32(&ran, 1) })
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, ran)
}

// TestPriorityFairness is scenario S1 from spec.md §8: under a flood of
// low-priority work, high-priority submissions must still start promptly
// because each sub-queue's minRunning floor is honored on every dispatch
// pass.
func TestPriorityFairness(t *testing.T) {
	pe := NewPriorityExecutor(4, []QueueSpec{
		{Priority: 0, MinRunning: 1, MaxRunning: 4, Default: true},
		{Priority: 1, MinRunning: 1, MaxRunning: 4},
	}, nil)
	defer pe.Shutdown()

	for i := 0; i < 100; i++ {
		pe.Submit(func(ctx context.Context) { time.Sleep(50 * time.Millisecond) }, 1)
	}
	// Give the flood a moment to occupy the pool before the priority work
	// arrives, as the scenario describes.
	time.Sleep(20 * time.Millisecond)

	submittedAt := time.Now()
	var startTimes [5]time.Time
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		pe.Submit(func(ctx context.Context) {
			mu.Lock()
			startTimes[i] = time.Now()
			mu.Unlock()
			wg.Done()
		}, 0)
	}
	wg.Wait()

	for i, st := range startTimes {
		require.False(t, st.IsZero(), "priority-0 item %d never started", i)
		assert.Less(t, st.Sub(submittedAt), 250*time.Millisecond, "priority-0 item %d started too late", i)
	}
}

func TestStatsReportsQueuedAndRunning(t *testing.T) {
	pe := NewPriorityExecutor(1, []QueueSpec{{Priority: 0, MinRunning: 1, MaxRunning: 1, Default: true}}, nil)
	defer pe.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	pe.SubmitDefault(func(ctx context.Context) {
		close(started)
		<-block
	})
	<-started
	pe.SubmitDefault(func(ctx context.Context) {})

	stats := pe.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Running)
	assert.Equal(t, 1, stats[0].Queued)
	close(block)
}
